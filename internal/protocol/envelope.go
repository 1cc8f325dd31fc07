// Package protocol defines the participant wire protocol: a signed
// envelope around typed messages with canonical serialization and
// per-sender replay protection.
package protocol

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"AtomicSettle/internal/errs"
)

// Version is the wire protocol version.
const Version = 1

// MessageType tags the payload carried by an envelope.
type MessageType string

const (
	TypeSettleRequest        MessageType = "SettleRequest"
	TypeSettleResponse       MessageType = "SettleResponse"
	TypeLockRequest          MessageType = "LockRequest"
	TypeLockResponse         MessageType = "LockResponse"
	TypeLockRelease          MessageType = "LockRelease"
	TypeSettlementNotification MessageType = "SettlementNotification"
	TypeSettlementAck        MessageType = "SettlementAcknowledgment"
	TypeSettleAbort          MessageType = "SettleAbort"
	TypeHeartbeat            MessageType = "Heartbeat"
)

// Envelope wraps every message on the participant channel. Signature
// covers the canonical serialization of all fields except the
// signature itself.
type Envelope struct {
	Version       int             `json:"version"`
	Type          MessageType     `json:"message_type"`
	MessageID     uuid.UUID       `json:"message_id"`
	CorrelationID uuid.UUID       `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	SenderID      string          `json:"sender_id"`
	Sequence      uint64          `json:"sequence"`
	Payload       json.RawMessage `json:"payload"`
	Signature     []byte          `json:"signature,omitempty"`
}

// NewEnvelope wraps a payload. The sequence must be the sender's next
// monotonic value.
func NewEnvelope(t MessageType, sender string, sequence uint64, correlation uuid.UUID, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternalError, "encode payload", err)
	}
	return &Envelope{
		Version:       Version,
		Type:          t,
		MessageID:     uuid.New(),
		CorrelationID: correlation,
		Timestamp:     time.Now().UTC(),
		SenderID:      sender,
		Sequence:      sequence,
		Payload:       raw,
	}, nil
}

// SignedBytes returns the canonical serialization the signature
// covers: the envelope as a JSON object with keys sorted and the
// signature field omitted. Canonicalization also sorts keys inside
// the payload object so independently produced encodings agree.
func (e *Envelope) SignedBytes() ([]byte, error) {
	clone := *e
	clone.Signature = nil
	raw, err := json.Marshal(&clone)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternalError, "encode envelope", err)
	}
	return canonicalize(raw)
}

// Sign computes and attaches the ed25519 signature.
func (e *Envelope) Sign(key ed25519.PrivateKey) error {
	msg, err := e.SignedBytes()
	if err != nil {
		return err
	}
	e.Signature = ed25519.Sign(key, msg)
	return nil
}

// Verify checks the envelope's signature against the sender's key.
func (e *Envelope) Verify(key ed25519.PublicKey) error {
	if len(e.Signature) == 0 {
		return errs.New(errs.CodeInvalidSignature, "envelope is unsigned")
	}
	msg, err := e.SignedBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(key, msg, e.Signature) {
		return errs.Newf(errs.CodeInvalidSignature, "signature check failed for %s", e.SenderID)
	}
	return nil
}

// Decode unmarshals the payload into out.
func (e *Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return errs.Wrap(errs.CodeInvalidMessage, "decode payload", err)
	}
	return nil
}

// canonicalize re-encodes a JSON document with object keys sorted at
// every level and no insignificant whitespace.
func canonicalize(raw []byte) ([]byte, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidMessage, "parse for canonicalization", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		buf.WriteByte('{')
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}
