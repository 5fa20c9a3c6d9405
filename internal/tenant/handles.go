package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/and161185/notikeeper/internal/errs"
	"github.com/and161185/notikeeper/internal/model"
	"github.com/and161185/notikeeper/internal/repository"
)

// Opener connects a task store for one connection string.
type Opener func(ctx context.Context, dsn string) (repository.TaskRepository, error)

// HandleCache keeps one open store per {driver, connectionString}.
// It is owned by the process bootstrap and safe for concurrent use.
type HandleCache struct {
	openers map[model.Driver]Opener

	mu      sync.Mutex
	handles map[model.DatabaseDescriptor]repository.TaskRepository
}

// NewHandleCache builds a cache with one opener per supported driver.
func NewHandleCache(openers map[model.Driver]Opener) *HandleCache {
	return &HandleCache{
		openers: openers,
		handles: make(map[model.DatabaseDescriptor]repository.TaskRepository),
	}
}

// Get returns the cached store for desc, opening it on first use.
func (c *HandleCache) Get(ctx context.Context, desc model.DatabaseDescriptor) (repository.TaskRepository, error) {
	open, ok := c.openers[desc.Driver]
	if !ok || !desc.Driver.Valid() {
		return nil, errs.New(errs.KindInvalidDriver, "unsupported database driver")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[desc]; ok {
		return h, nil
	}
	h, err := open(ctx, desc.ConnectionString)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidDatabaseURL, "cannot open tenant database", err)
	}
	c.handles[desc] = h
	return h, nil
}

// Len reports the number of open handles.
func (c *HandleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Close closes every handle and empties the cache.
func (c *HandleCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var all []error
	for desc, h := range c.handles {
		if err := h.Close(); err != nil {
			all = append(all, fmt.Errorf("close %s handle: %w", desc.Driver, err))
		}
		delete(c.handles, desc)
	}
	return errors.Join(all...)
}
