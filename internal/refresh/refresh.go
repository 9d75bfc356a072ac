// Package refresh implements the cache-freshness policy: deciding, per
// entity collection, whether a read is served from the local store or
// triggers a remote refresh first.
//
// A collection is fresh while its watermark - the time of the last
// successful full refresh - is younger than the configured max age. A
// refresh that fails falls back to serving the stale cache rather than
// failing the read: offline reads must keep working.
package refresh

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coinkeep/coinkeep/internal/api"
	"github.com/coinkeep/coinkeep/internal/model"
	"github.com/coinkeep/coinkeep/internal/store"
)

// DefaultMaxAge is how long a collection is served from cache before a
// read triggers a remote refresh.
const DefaultMaxAge = 5 * time.Minute

// Policy decides between cached and remote reads per collection.
type Policy struct {
	store  *store.Store
	api    *api.Client
	maxAge time.Duration
	logger *log.Logger
	now    func() time.Time
}

// New creates a Policy. maxAge <= 0 selects DefaultMaxAge; a nil logger
// selects a default stderr logger.
func New(st *store.Store, client *api.Client, maxAge time.Duration, logger *log.Logger) *Policy {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[refresh] ", log.LstdFlags)
	}
	return &Policy{
		store:  st,
		api:    client,
		maxAge: maxAge,
		logger: logger,
		now:    time.Now,
	}
}

// ShouldRefresh reports whether the collection's watermark is older
// than the max age. A collection never refreshed is always stale.
func (p *Policy) ShouldRefresh(ctx context.Context, kind model.Kind) (bool, error) {
	watermark, err := p.store.Watermark(ctx, kind)
	if err != nil {
		return false, err
	}
	if watermark.IsZero() {
		return true, nil
	}
	return p.now().Sub(watermark) > p.maxAge, nil
}

// Refresh fetches the full collection from the server, merges it into
// the local store, and advances the watermark.
//
// The merge is the store's refresh-merge policy: rows with a pending
// local mutation are preserved so a background refresh never clobbers
// an edit that has not reached the server.
func (p *Policy) Refresh(ctx context.Context, kind model.Kind) error {
	remotes, err := p.api.List(ctx, kind)
	if err != nil {
		return fmt.Errorf("refresh of %s failed: %w", kind, err)
	}

	entities := make([]*model.Entity, 0, len(remotes))
	for _, r := range remotes {
		version := r.UpdatedAt
		entities = append(entities, &model.Entity{
			ID:     r.ID,
			Kind:   kind,
			Fields: r.Fields,
			Meta: model.SyncMeta{
				Synced:        true,
				PendingAction: model.PendingNone,
				ServerVersion: &version,
				LastModified:  p.now(),
			},
		})
	}

	if err := p.store.PutAll(ctx, kind, entities); err != nil {
		return fmt.Errorf("failed to merge %s refresh: %w", kind, err)
	}
	if err := p.store.SetWatermark(ctx, kind, p.now()); err != nil {
		return fmt.Errorf("failed to advance %s watermark: %w", kind, err)
	}

	p.logger.Printf("Refreshed %d %s from server", len(entities), kind.Collection())
	return nil
}

// List is the read path: refresh the collection first if it is stale,
// then serve from the local store. A failed refresh is logged and the
// stale cache is served instead.
func (p *Policy) List(ctx context.Context, kind model.Kind, filter store.ListFilter) ([]*model.Entity, error) {
	stale, err := p.ShouldRefresh(ctx, kind)
	if err != nil {
		return nil, err
	}
	if stale {
		if err := p.Refresh(ctx, kind); err != nil {
			p.logger.Printf("Serving stale %s cache: %v", kind.Collection(), err)
		}
	}
	return p.store.List(ctx, kind, filter)
}
