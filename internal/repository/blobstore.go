package repository

import "context"

// BlobStore is a string key-value store. Get returns errs.ErrNotFound for missing keys.
type BlobStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Create stores value only if key is absent, else returns errs.ErrAlreadyExists.
	Create(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
