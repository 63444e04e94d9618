package eventbus

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// retrySchedule is spec §4.8's fixed backoff: "retry at 1s, 4s, 16s, then
// give up."
var retrySchedule = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}

const deliveryTimeout = 5 * time.Second

// deliveryLogSize bounds each endpoint's delivery history (spec §4.8).
const deliveryLogSize = 100

// DeliveryRecord is one logged delivery attempt outcome.
type DeliveryRecord struct {
	EventType Type
	Attempt   int
	Success   bool
	Status    int
	Error     string
	At        time.Time
}

// Endpoint is a registered webhook target. Secret is excluded from JSON
// encoding so the admin listing surface never echoes it back.
type Endpoint struct {
	ID     string
	URL    string
	Secret string `json:"-"`

	mu  sync.Mutex
	log []DeliveryRecord
}

// Log returns a snapshot of the endpoint's recent delivery attempts, most
// recent last.
func (e *Endpoint) Log() []DeliveryRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]DeliveryRecord, len(e.log))
	copy(out, e.log)
	return out
}

func (e *Endpoint) record(r DeliveryRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, r)
	if len(e.log) > deliveryLogSize {
		e.log = e.log[len(e.log)-deliveryLogSize:]
	}
}

// RegisterEndpoint adds a webhook target, keyed by id.
func (b *Bus) RegisterEndpoint(id, url, secret string) *Endpoint {
	e := &Endpoint{ID: id, URL: url, Secret: secret}
	b.mu.Lock()
	b.endpoints[id] = e
	b.mu.Unlock()
	return e
}

// UnregisterEndpoint removes a webhook target.
func (b *Bus) UnregisterEndpoint(id string) {
	b.mu.Lock()
	delete(b.endpoints, id)
	b.mu.Unlock()
}

// Endpoint looks up a registered endpoint by id.
func (b *Bus) Endpoint(id string) (*Endpoint, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.endpoints[id]
	return e, ok
}

// DeliveryLog returns endpointID's bounded delivery history, the
// operator-facing view backing spec.md §4.8's admin surface.
func (b *Bus) DeliveryLog(endpointID string) []DeliveryRecord {
	e, ok := b.Endpoint(endpointID)
	if !ok {
		return nil
	}
	return e.Log()
}

// Endpoints lists all registered endpoints.
func (b *Bus) Endpoints() []*Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Endpoint, 0, len(b.endpoints))
	for _, e := range b.endpoints {
		out = append(out, e)
	}
	return out
}

type deliveryRequest struct {
	url       string
	payload   []byte
	signature string
}

// deliver attempts delivery with the fixed retry schedule, logging every
// attempt to e's bounded delivery log.
func (b *Bus) deliver(e *Endpoint, evt Event) {
	payload, err := marshalEvent(evt)
	if err != nil {
		e.record(DeliveryRecord{EventType: evt.Type, Error: err.Error(), At: b.clock()})
		return
	}
	sig := signPayload(e.Secret, payload)

	attempts := append([]time.Duration{0}, retrySchedule...)
	for i, wait := range attempts {
		if wait > 0 {
			time.Sleep(wait)
		}
		status, err := b.httpDo(&deliveryRequest{url: e.URL, payload: payload, signature: sig})
		ok := err == nil && status >= 200 && status < 300
		e.record(DeliveryRecord{
			EventType: evt.Type,
			Attempt:   i + 1,
			Success:   ok,
			Status:    status,
			Error:     errString(err),
			At:        b.clock(),
		})
		if ok {
			return
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// sendHTTP is the real network sender used outside tests.
func (b *Bus) sendHTTP(req *deliveryRequest) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.url, bytes.NewReader(req.payload))
	if err != nil {
		return 0, fmt.Errorf("eventbus: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Webhook-Signature", req.signature)

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("eventbus: delivery failed: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
