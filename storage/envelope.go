package storage

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/backoffice/internal/util"
)

const (
	// SchemeSealed marks an AES-256-GCM sealed record.
	SchemeSealed = "aes256gcm"
	// SchemePlainJSON marks a record whose Ciphertext is plain JSON.
	SchemePlainJSON = "plain-json"
)

// Envelope is the stored form of every record.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
	Version    uint64 `json:"version,omitempty"`
}

// SealRecord encrypts plaintext under key, binding aad.
func SealRecord(key, plaintext, aad []byte, version uint64) (*Envelope, error) {
	sealed, err := util.Seal(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	// util.Seal returns nonce || ciphertext.
	return &Envelope{
		Ver:        1,
		Scheme:     SchemeSealed,
		Nonce:      sealed[:12],
		Ciphertext: sealed[12:],
		Version:    version,
	}, nil
}

// OpenRecord decrypts a sealed envelope.
func OpenRecord(key []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != SchemeSealed {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
	full := make([]byte, len(envelope.Nonce)+len(envelope.Ciphertext))
	copy(full, envelope.Nonce)
	copy(full[len(envelope.Nonce):], envelope.Ciphertext)
	return util.Open(key, full, aad)
}

// PlainRecord encodes v as a plain-json envelope.
func PlainRecord(v any, version uint64) (*Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return &Envelope{Ver: 1, Scheme: SchemePlainJSON, Ciphertext: data, Version: version}, nil
}

// DecodePlain decodes a plain-json envelope into v.
func DecodePlain(envelope *Envelope, v any) error {
	if envelope.Scheme != SchemePlainJSON {
		return fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
	if err := json.Unmarshal(envelope.Ciphertext, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Ver:        e.Ver,
		Scheme:     e.Scheme,
		Nonce:      append([]byte(nil), e.Nonce...),
		Ciphertext: append([]byte(nil), e.Ciphertext...),
		Version:    e.Version,
	}
}
