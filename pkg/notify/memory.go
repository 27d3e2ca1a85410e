package notify

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/absamo/triven-workflow/pkg/models"
)

// MemoryDigests is a process-local DigestBuffer.
type MemoryDigests struct {
	mu      sync.Mutex
	buffers map[DigestKey][]models.DigestEntry
}

func NewMemoryDigests() *MemoryDigests {
	return &MemoryDigests{buffers: map[DigestKey][]models.DigestEntry{}}
}

func (m *MemoryDigests) Append(_ context.Context, key DigestKey, entry models.DigestEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buffers[key] = append(m.buffers[key], entry)

	return nil
}

func (m *MemoryDigests) Drain(_ context.Context, key DigestKey) ([]models.DigestEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.buffers[key]
	delete(m.buffers, key)

	return entries, nil
}

func (m *MemoryDigests) Keys(_ context.Context) ([]DigestKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]DigestKey, 0, len(m.buffers))
	for k := range m.buffers {
		keys = append(keys, k)
	}

	slices.SortFunc(keys, func(a, b DigestKey) int {
		return cmp.Or(strings.Compare(a.UserID, b.UserID), strings.Compare(a.Day, b.Day))
	})

	return keys, nil
}

// MemoryLedger is a process-local Ledger with expiring keys.
type MemoryLedger struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	keys map[string]time.Time
}

// NewMemoryLedger remembers keys for ttl; zero keeps them forever.
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{ttl: ttl, now: time.Now, keys: map[string]time.Time{}}
}

func (l *MemoryLedger) Claim(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if expires, ok := l.keys[key]; ok && (expires.IsZero() || now.Before(expires)) {
		return false, nil
	}

	var expires time.Time
	if l.ttl > 0 {
		expires = now.Add(l.ttl)
	}

	l.keys[key] = expires

	return true, nil
}

func (l *MemoryLedger) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.keys, key)

	return nil
}
