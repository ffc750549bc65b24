// Package idempotency registers client-chosen idempotency keys against a
// canonical hash of the submitted payload.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"formgate/pkg/store"
)

// ErrInvalidPayload is returned when the body is not a JSON document.
var ErrInvalidPayload = errors.New("payload is not valid JSON")

// Outcome of registering a key.
type Outcome int

const (
	// Registered means this request created the record.
	Registered Outcome = iota
	// Duplicate means the key exists with the same payload hash.
	Duplicate
	// Conflict means the key exists with a different hash, or the record
	// expired between the write attempt and the read.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Registered:
		return "registered"
	case Duplicate:
		return "duplicate"
	case Conflict:
		return "conflict"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type Store struct {
	kv store.KV
}

func NewStore(kv store.KV) *Store {
	return &Store{kv: kv}
}

func key(templateID, idemKey string) string {
	return "idem:" + templateID + ":" + idemKey
}

// HashPayload returns the hex SHA-256 of the RFC 8785 canonical form of
// {"body": raw}. An empty body hashes as null.
func HashPayload(raw []byte) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		raw = []byte("null")
	}
	wrapped := make([]byte, 0, len(raw)+9)
	wrapped = append(wrapped, `{"body":`...)
	wrapped = append(wrapped, raw...)
	wrapped = append(wrapped, '}')
	canonical, err := jcs.Transform(wrapped)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Register records payloadHash under the key if absent. Existing records are
// never overwritten.
func (s *Store) Register(ctx context.Context, templateID, idemKey, payloadHash string, ttl time.Duration) (Outcome, error) {
	k := key(templateID, idemKey)
	created, err := s.kv.SetNX(ctx, k, payloadHash, ttl)
	if err != nil {
		return Conflict, err
	}
	if created {
		return Registered, nil
	}
	stored, found, err := s.kv.Get(ctx, k)
	if err != nil {
		return Conflict, err
	}
	if found && stored == payloadHash {
		return Duplicate, nil
	}
	return Conflict, nil
}
