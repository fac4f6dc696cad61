package service

import (
	"container/heap"
	"context"

	"github.com/lichen-social/lichen/internal/cache"
	"github.com/lichen-social/lichen/internal/cursor"
)

// entryStream is a lazy, newest-first sequence of timeline references.
// Streams are finite and restartable: each one is seeded at a cursor
// position and pages forward on demand.
type entryStream interface {
	// next returns the next entry. ok is false when the stream is exhausted.
	next(ctx context.Context) (e cache.Entry, ok bool, err error)
}

// fetchFunc loads one batch of entries strictly older than before,
// newest first.
type fetchFunc func(ctx context.Context, before *cursor.Cursor, limit int) ([]cache.Entry, error)

// batchStream adapts a paginated fetch into an entryStream, fetching lazily
// so a feed page touches each source only as deep as the merge requires.
type batchStream struct {
	fetch     fetchFunc
	batchSize int

	buf  []cache.Entry
	pos  int
	done bool
	last *cursor.Cursor
}

func newBatchStream(fetch fetchFunc, seed *cursor.Cursor, batchSize int) *batchStream {
	if batchSize <= 0 {
		batchSize = 16
	}
	return &batchStream{fetch: fetch, batchSize: batchSize, last: seed}
}

func (s *batchStream) next(ctx context.Context) (cache.Entry, bool, error) {
	if s.pos >= len(s.buf) {
		if s.done {
			return cache.Entry{}, false, nil
		}
		batch, err := s.fetch(ctx, s.last, s.batchSize)
		if err != nil {
			return cache.Entry{}, false, err
		}
		if len(batch) < s.batchSize {
			s.done = true
		}
		if len(batch) == 0 {
			return cache.Entry{}, false, nil
		}
		s.buf, s.pos = batch, 0
	}

	e := s.buf[s.pos]
	s.pos++
	s.last = &cursor.Cursor{Timestamp: e.Timestamp, ID: e.PostID}
	return e, true, nil
}

// filteredStream drops entries rejected by accept.
type filteredStream struct {
	inner  entryStream
	accept func(cache.Entry) bool
}

func (s *filteredStream) next(ctx context.Context) (cache.Entry, bool, error) {
	for {
		e, ok, err := s.inner.next(ctx)
		if err != nil || !ok {
			return cache.Entry{}, false, err
		}
		if s.accept(e) {
			return e, true, nil
		}
	}
}

// mergeHeap is a max-heap over the heads of the candidate streams, keyed by
// (timestamp, post id) so the merge emits a deterministic total order even
// under timestamp ties.
type mergeHeap []mergeItem

type mergeItem struct {
	e   cache.Entry
	src int
}

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if h[i].e.Timestamp != h[j].e.Timestamp {
		return h[i].e.Timestamp > h[j].e.Timestamp
	}
	return h[i].e.PostID > h[j].e.PostID
}

func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(mergeItem)) }

func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeStreams performs the k-way merge across streams, advancing only the
// stream whose head was just consumed. Duplicate post ids are suppressed so
// a post that reached the caller through both the push and pull paths is
// emitted once. Cancellation is honored between steps: a cancelled context
// aborts the merge with an error rather than returning a silently short
// page.
//
// Returns the merged page and whether more candidate entries remain.
func mergeStreams(ctx context.Context, streams []entryStream, limit int) ([]cache.Entry, bool, error) {
	h := make(mergeHeap, 0, len(streams))
	for i, s := range streams {
		e, ok, err := s.next(ctx)
		if err != nil {
			return nil, false, err
		}
		if ok {
			h = append(h, mergeItem{e: e, src: i})
		}
	}
	heap.Init(&h)

	out := make([]cache.Entry, 0, limit)
	seen := make(map[int64]bool, limit)

	for len(out) < limit && h.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		item := heap.Pop(&h).(mergeItem)
		if !seen[item.e.PostID] {
			seen[item.e.PostID] = true
			out = append(out, item.e)
		}

		e, ok, err := streams[item.src].next(ctx)
		if err != nil {
			return nil, false, err
		}
		if ok {
			heap.Push(&h, mergeItem{e: e, src: item.src})
		}
	}

	return out, h.Len() > 0, nil
}
