package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/absamo/triven-workflow/pkg/notify/redisstore"
)

// NotifyStores are the digest buffer and delivery ledger shared by dispatchers.
type NotifyStores struct {
	Digests notify.DigestBuffer
	Ledger  notify.Ledger
	close   func() error
}

func (s NotifyStores) Close() error {
	if s.close == nil {
		return nil
	}

	return s.close()
}

// NewNotifyStores connects to Redis when redisURL is set and otherwise keeps
// both stores in process memory.
func NewNotifyStores(ctx context.Context, logger *slog.Logger, redisURL string, ttl time.Duration) (NotifyStores, error) {
	if redisURL == "" {
		logger.InfoContext(ctx, "using in-memory digest buffer and ledger")

		return NotifyStores{Digests: notify.NewMemoryDigests(), Ledger: notify.NewMemoryLedger(ttl)}, nil
	}

	store, err := redisstore.Connect(ctx, redisURL, ttl)
	if err != nil {
		return NotifyStores{}, err
	}

	return NotifyStores{Digests: store, Ledger: store, close: store.Close}, nil
}
