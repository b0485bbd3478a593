package cache

import (
	"context"
	"time"

	"ferresys/backend/internal/domain"
)

type AlertCache interface {
	Get(ctx context.Context, key string) (*domain.InventoryAlertResponse, bool, error)
	Set(ctx context.Context, key string, value *domain.InventoryAlertResponse, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopAlertCache struct{}

func (NoopAlertCache) Get(_ context.Context, _ string) (*domain.InventoryAlertResponse, bool, error) {
	return nil, false, nil
}

func (NoopAlertCache) Set(_ context.Context, _ string, _ *domain.InventoryAlertResponse, _ time.Duration) error {
	return nil
}

func (NoopAlertCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
