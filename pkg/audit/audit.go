// Package audit implements the tamper-evident Audit Log from spec §4.9:
// one JSON record per line, optionally AES-256-GCM encrypted per line so a
// deployment can rotate or drop the key without rewriting history.
package audit

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one structured audit record (spec §4.9).
type Event struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Tool       string         `json:"tool"`
	SessionID  string         `json:"session_id,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Status     string         `json:"status"`
	Risk       string         `json:"risk,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	ErrorToken string         `json:"error_token,omitempty"`
}

// Log appends Events to a writer as newline-delimited JSON, one line per
// event, each optionally AES-256-GCM encrypted.
type Log struct {
	mu    sync.Mutex
	w     io.Writer
	keyFn func() *[32]byte
}

// NewLog builds a Log writing to w. keyFn is consulted on every Append so
// an admin rotating config.GatewayConfig's audit key takes effect
// immediately, per spec §9's atomic-config model.
func NewLog(w io.Writer, keyFn func() *[32]byte) *Log {
	if keyFn == nil {
		keyFn = func() *[32]byte { return nil }
	}
	return &Log{w: w, keyFn: keyFn}
}

// Append writes evt as one line, encrypting it if an audit key is active.
func (l *Log) Append(evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	plain, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	var line string
	if key := l.keyFn(); key != nil {
		ct, err := encrypt(key[:], plain)
		if err != nil {
			return fmt.Errorf("audit: encrypt: %w", err)
		}
		line = base64.StdEncoding.EncodeToString(ct)
	} else {
		line = string(plain)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = fmt.Fprintln(l.w, line)
	return err
}

// ReadAll parses every line from r as an Event, decrypting lines that
// aren't plaintext JSON with key (if provided). A plaintext line always
// starts with '{'; an encrypted line's base64 framing never does, so that
// leading byte is enough to tell them apart. It tolerates a log with a
// mix of plaintext and encrypted lines, since a key rotation
// mid-deployment leaves old lines under the previous key's framing
// untouched.
func ReadAll(r io.Reader, key *[32]byte) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var events []Event
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var raw []byte
		if line[0] != '{' {
			if key == nil {
				return nil, fmt.Errorf("audit: encrypted line found but no key configured")
			}
			ct, err := base64.StdEncoding.DecodeString(line)
			if err != nil {
				return nil, fmt.Errorf("audit: decode ciphertext: %w", err)
			}
			pt, err := decrypt(key[:], ct)
			if err != nil {
				return nil, fmt.Errorf("audit: decrypt (tamper or wrong key): %w", err)
			}
			raw = pt
		} else {
			raw = []byte(line)
		}

		var evt Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, fmt.Errorf("audit: parse event: %w", err)
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan: %w", err)
	}
	return events, nil
}

// OpenAppendLog opens (creating if needed) a JSONL audit file for append.
func OpenAppendLog(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}

// encrypt seals plaintext as nonce‖ciphertext‖tag, matching the teacher's
// kms.aesGCMEncrypt framing.
func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt opens a nonce‖ciphertext‖tag blob, failing on any tamper
// (flipped ciphertext or tag byte) per GCM's authentication guarantee.
func decrypt(key, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, fmt.Errorf("audit: ciphertext too short")
	}
	nonce, ct := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}
