// Package cache implements the two caching layers of the data-access core:
// a request-scoped batching cache that coalesces entity lookups, and a
// process-wide tiered result cache with a local and a shared layer.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelsec/kestrel/errors"
	"github.com/kestrelsec/kestrel/storage"
)

// BatchKey is the unit of deduplication inside one Batcher.
type BatchKey struct {
	EntityType string
	ID         string
}

// FetchFunc fetches a group of entities of one type keyed by id.
type FetchFunc func(ctx context.Context, entityType string, ids []string) (map[string]storage.Entity, error)

// AdapterFetch adapts a storage.Adapter into a FetchFunc.
func AdapterFetch(a storage.Adapter) FetchFunc {
	return func(ctx context.Context, entityType string, ids []string) (map[string]storage.Entity, error) {
		entities, err := a.FetchByIDs(ctx, entityType, ids)
		if err != nil {
			return nil, err
		}
		out := make(map[string]storage.Entity, len(entities))
		for _, e := range entities {
			out[e.ID()] = e
		}
		return out, nil
	}
}

// thunk is the pending or resolved value for one BatchKey. Waiters block on
// done; the resolving flush fills entity/err before closing it.
type thunk struct {
	done   chan struct{}
	entity storage.Entity
	err    error
}

type pendingItem struct {
	id    string
	thunk *thunk
}

type pendingBatch struct {
	items []pendingItem
	timer *time.Timer
}

// Batcher is the per-request batching cache. Concurrent Load calls for the
// same key within one micro-batch window share a single downstream fetch,
// and within one request the same key is never fetched twice.
//
// A Batcher must not outlive its request and must never be shared across
// requests.
type Batcher struct {
	fetch       FetchFunc
	window      time.Duration
	defaultSize int

	// Fetches triggered by timer flushes must complete even if the owning
	// request is aborted, so they run under a non-cancelable context.
	fetchCtx context.Context

	mu      sync.Mutex
	sizes   map[string]int
	pending map[string]*pendingBatch
	thunks  map[BatchKey]*thunk

	fetches atomic.Int64
}

// NewBatcher creates a request-scoped batching cache. ctx is the request
// context; in-flight fetches survive its cancellation so cache correctness
// is preserved.
func NewBatcher(ctx context.Context, fetch FetchFunc, window time.Duration, defaultSize int) *Batcher {
	if defaultSize <= 0 {
		defaultSize = 25
	}
	return &Batcher{
		fetch:       fetch,
		window:      window,
		defaultSize: defaultSize,
		fetchCtx:    context.WithoutCancel(ctx),
		sizes:       make(map[string]int),
		pending:     make(map[string]*pendingBatch),
		thunks:      make(map[BatchKey]*thunk),
	}
}

// SetBatchSize overrides the flush threshold for one entity type.
func (b *Batcher) SetBatchSize(entityType string, size int) {
	if size <= 0 {
		return
	}
	b.mu.Lock()
	b.sizes[entityType] = size
	b.mu.Unlock()
}

// Load returns the entity of the given type and id, coalescing concurrent
// loads of the same key into one downstream fetch. Returns ErrNotFound if
// the store has no such entity.
func (b *Batcher) Load(ctx context.Context, entityType, id string) (storage.Entity, error) {
	th, flushNow := b.enqueue(entityType, id)
	if flushNow {
		b.flush(entityType)
	}

	select {
	case <-th.done:
		return th.entity, th.err
	case <-ctx.Done():
		// The batch still resolves in the background; this caller just
		// stops consuming.
		return nil, ctx.Err()
	}
}

// LoadMany loads several ids of one type. The result is aligned with ids;
// missing entities are nil entries. The first non-not-found error aborts.
func (b *Batcher) LoadMany(ctx context.Context, entityType string, ids []string) ([]storage.Entity, error) {
	thunks := make([]*thunk, len(ids))
	flushNow := false
	for i, id := range ids {
		th, full := b.enqueue(entityType, id)
		thunks[i] = th
		flushNow = flushNow || full
	}
	if flushNow {
		b.flush(entityType)
	}

	out := make([]storage.Entity, len(ids))
	for i, th := range thunks {
		select {
		case <-th.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if th.err != nil {
			if errors.IsNotFoundError(th.err) {
				continue
			}
			return nil, th.err
		}
		out[i] = th.entity
	}
	return out, nil
}

// Prime registers keys for fetching without waiting for the result. Used by
// the optimization executor to pre-register relationship keys discovered
// during analysis.
func (b *Batcher) Prime(entityType string, ids []string) {
	flushNow := false
	for _, id := range ids {
		_, full := b.enqueue(entityType, id)
		flushNow = flushNow || full
	}
	if flushNow {
		b.flush(entityType)
	}
}

// Clear invalidates one key so the next Load refetches it. Used after a
// write to that entity within the same process. Waiters on an in-flight
// fetch for the key are still resolved.
func (b *Batcher) Clear(entityType, id string) {
	b.mu.Lock()
	delete(b.thunks, BatchKey{EntityType: entityType, ID: id})
	b.mu.Unlock()
}

// DownstreamFetches reports how many grouped fetches reached the storage
// adapter.
func (b *Batcher) DownstreamFetches() int64 {
	return b.fetches.Load()
}

// enqueue registers the key and returns its thunk plus whether the pending
// batch hit its size limit and should be flushed by the caller.
func (b *Batcher) enqueue(entityType, id string) (*thunk, bool) {
	key := BatchKey{EntityType: entityType, ID: id}

	b.mu.Lock()
	defer b.mu.Unlock()

	if th, ok := b.thunks[key]; ok {
		return th, false
	}

	th := &thunk{done: make(chan struct{})}
	b.thunks[key] = th

	pb, ok := b.pending[entityType]
	if !ok {
		pb = &pendingBatch{}
		pb.timer = time.AfterFunc(b.window, func() { b.flush(entityType) })
		b.pending[entityType] = pb
	}
	pb.items = append(pb.items, pendingItem{id: id, thunk: th})

	size := b.defaultSize
	if s, ok := b.sizes[entityType]; ok {
		size = s
	}
	return th, len(pb.items) >= size
}

// flush fetches all pending keys for one entity type in a single grouped
// call and resolves their thunks. Safe to call twice; the second call finds
// nothing pending.
func (b *Batcher) flush(entityType string) {
	b.mu.Lock()
	pb, ok := b.pending[entityType]
	if ok {
		delete(b.pending, entityType)
	}
	b.mu.Unlock()

	if !ok || len(pb.items) == 0 {
		return
	}
	pb.timer.Stop()

	ids := make([]string, len(pb.items))
	for i, item := range pb.items {
		ids[i] = item.id
	}

	b.fetches.Add(1)
	fetched, err := b.fetch(b.fetchCtx, entityType, ids)

	for _, item := range pb.items {
		if err != nil {
			item.thunk.err = err
		} else if entity, ok := fetched[item.id]; ok {
			item.thunk.entity = entity
		} else {
			item.thunk.err = errors.Wrapf(errors.ErrNotFound, "%s/%s", entityType, item.id)
		}
		close(item.thunk.done)
	}
}
