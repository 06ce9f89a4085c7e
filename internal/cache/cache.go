package cache

import (
	"context"
	"time"

	"tokopos/backend/internal/domain"
)

// ReceiptCache stores rendered receipts keyed by sale ID. Delete is
// called when a compensation changes a sale so the next read re-renders.
type ReceiptCache interface {
	Get(ctx context.Context, key string) (*domain.Receipt, bool, error)
	Set(ctx context.Context, key string, value *domain.Receipt, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopReceiptCache struct{}

func (NoopReceiptCache) Get(_ context.Context, _ string) (*domain.Receipt, bool, error) {
	return nil, false, nil
}

func (NoopReceiptCache) Set(_ context.Context, _ string, _ *domain.Receipt, _ time.Duration) error {
	return nil
}

func (NoopReceiptCache) Delete(_ context.Context, _ string) error {
	return nil
}
