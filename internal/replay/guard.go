// Package replay records consumed payment identifiers so a payment proof can
// authorize at most one request.
package replay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrInvalidID is returned for identifiers that are not 32-byte hex strings.
var ErrInvalidID = errors.New("payment identifier must be 32 bytes of hex")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("replay guard closed")

// Record is one consumed payment identifier.
type Record struct {
	ID         string    `json:"id"`
	ConsumedAt time.Time `json:"consumed_at"`
	Route      string    `json:"route,omitempty"`
	Payer      string    `json:"payer,omitempty"`
}

// Guard is an append-only set of consumed identifiers.
//
// CheckAndConsume is the only write and is atomic: when several callers race
// with the same identifier exactly one of them sees alreadyConsumed=false.
type Guard interface {
	Consumed(ctx context.Context, id string) (bool, error)
	CheckAndConsume(ctx context.Context, rec Record) (alreadyConsumed bool, err error)
	Lookup(ctx context.Context, id string) (rec Record, found bool, err error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// NormalizeID validates a transaction identifier and returns it in lowercase
// 0x-prefixed form, so case variants of one hash share a key.
func NormalizeID(id string) (string, error) {
	s := strings.TrimSpace(id)
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if len(s) != 64 {
		return "", ErrInvalidID
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", ErrInvalidID
	}
	return "0x" + strings.ToLower(s), nil
}

// MemoryGuard keeps consumed identifiers in process memory. It does not
// survive restarts.
type MemoryGuard struct {
	mu       sync.Mutex
	consumed map[string]Record
	closed   bool
}

// NewMemoryGuard creates an empty in-memory guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{consumed: make(map[string]Record)}
}

func (g *MemoryGuard) Consumed(ctx context.Context, id string) (bool, error) {
	key, err := NormalizeID(id)
	if err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false, ErrClosed
	}
	_, ok := g.consumed[key]
	return ok, nil
}

func (g *MemoryGuard) CheckAndConsume(ctx context.Context, rec Record) (bool, error) {
	key, err := NormalizeID(rec.ID)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("consume %s: %w", key, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false, ErrClosed
	}
	if _, ok := g.consumed[key]; ok {
		return true, nil
	}
	rec.ID = key
	if rec.ConsumedAt.IsZero() {
		rec.ConsumedAt = time.Now().UTC()
	}
	g.consumed[key] = rec
	return false, nil
}

func (g *MemoryGuard) Lookup(ctx context.Context, id string) (Record, bool, error) {
	key, err := NormalizeID(id)
	if err != nil {
		return Record{}, false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return Record{}, false, ErrClosed
	}
	rec, ok := g.consumed[key]
	return rec, ok, nil
}

func (g *MemoryGuard) Count(ctx context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, ErrClosed
	}
	return len(g.consumed), nil
}

func (g *MemoryGuard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}
