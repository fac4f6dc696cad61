package service

import (
	"context"
	"errors"
	"testing"

	"github.com/lichen-social/lichen/internal/cache"
	"github.com/lichen-social/lichen/internal/cursor"
)

// sliceStream feeds a fixed, newest-first slice through the entryStream
// interface.
type sliceStream struct {
	entries []cache.Entry
	pos     int
}

func (s *sliceStream) next(ctx context.Context) (cache.Entry, bool, error) {
	if s.pos >= len(s.entries) {
		return cache.Entry{}, false, nil
	}
	e := s.entries[s.pos]
	s.pos++
	return e, true, nil
}

func entry(postID, authorID, ts int64) cache.Entry {
	return cache.Entry{PostID: postID, AuthorID: authorID, Timestamp: ts}
}

func TestMergeStreams_Interleaves(t *testing.T) {
	a := &sliceStream{entries: []cache.Entry{
		entry(10, 1, 100),
		entry(8, 1, 80),
		entry(6, 1, 60),
	}}
	b := &sliceStream{entries: []cache.Entry{
		entry(9, 2, 90),
		entry(7, 2, 70),
	}}

	out, hasMore, err := mergeStreams(context.Background(), []entryStream{a, b}, 10)
	if err != nil {
		t.Fatalf("mergeStreams: %v", err)
	}
	if hasMore {
		t.Error("hasMore = true, want false when all streams are drained")
	}

	wantIDs := []int64{10, 9, 8, 7, 6}
	if len(out) != len(wantIDs) {
		t.Fatalf("got %d entries, want %d", len(out), len(wantIDs))
	}
	for i, want := range wantIDs {
		if out[i].PostID != want {
			t.Errorf("out[%d].PostID = %d, want %d", i, out[i].PostID, want)
		}
	}
}

func TestMergeStreams_TimestampTieBrokenByPostID(t *testing.T) {
	a := &sliceStream{entries: []cache.Entry{entry(5, 1, 100)}}
	b := &sliceStream{entries: []cache.Entry{entry(7, 2, 100)}}

	out, _, err := mergeStreams(context.Background(), []entryStream{a, b}, 10)
	if err != nil {
		t.Fatalf("mergeStreams: %v", err)
	}

	if len(out) != 2 || out[0].PostID != 7 || out[1].PostID != 5 {
		t.Errorf("tie order = %v, want post 7 before post 5", out)
	}
}

func TestMergeStreams_LimitAndHasMore(t *testing.T) {
	a := &sliceStream{entries: []cache.Entry{
		entry(10, 1, 100),
		entry(9, 1, 90),
		entry(8, 1, 80),
	}}

	out, hasMore, err := mergeStreams(context.Background(), []entryStream{a}, 2)
	if err != nil {
		t.Fatalf("mergeStreams: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d entries, want 2", len(out))
	}
	if !hasMore {
		t.Error("hasMore = false, want true with one entry remaining")
	}
}

func TestMergeStreams_DropsDuplicatePostIDs(t *testing.T) {
	// The same post can reach the merge through both the cached timeline
	// and a pull stream; it must be emitted once.
	a := &sliceStream{entries: []cache.Entry{
		entry(10, 1, 100),
		entry(9, 1, 90),
	}}
	b := &sliceStream{entries: []cache.Entry{
		entry(10, 1, 100),
		entry(8, 1, 80),
	}}

	out, _, err := mergeStreams(context.Background(), []entryStream{a, b}, 10)
	if err != nil {
		t.Fatalf("mergeStreams: %v", err)
	}

	wantIDs := []int64{10, 9, 8}
	if len(out) != len(wantIDs) {
		t.Fatalf("got %d entries, want %d: %v", len(out), len(wantIDs), out)
	}
	for i, want := range wantIDs {
		if out[i].PostID != want {
			t.Errorf("out[%d].PostID = %d, want %d", i, out[i].PostID, want)
		}
	}
}

func TestMergeStreams_EmptyStreams(t *testing.T) {
	out, hasMore, err := mergeStreams(context.Background(), []entryStream{&sliceStream{}}, 10)
	if err != nil {
		t.Fatalf("mergeStreams: %v", err)
	}
	if len(out) != 0 || hasMore {
		t.Errorf("got (%v, %v), want empty page and hasMore=false", out, hasMore)
	}
}

func TestMergeStreams_CancelledContext(t *testing.T) {
	a := &sliceStream{entries: []cache.Entry{
		entry(10, 1, 100),
		entry(9, 1, 90),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := mergeStreams(ctx, []entryStream{a}, 10)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestBatchStream_FetchesLazily(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context, before *cursor.Cursor, limit int) ([]cache.Entry, error) {
		calls++
		switch calls {
		case 1:
			if before != nil {
				t.Errorf("first fetch cursor = %v, want nil", before)
			}
			return []cache.Entry{entry(10, 1, 100), entry(9, 1, 90)}, nil
		case 2:
			// The second fetch must resume strictly after the last entry seen
			if before == nil || before.Timestamp != 90 || before.ID != 9 {
				t.Errorf("second fetch cursor = %v, want (90, 9)", before)
			}
			return []cache.Entry{entry(8, 1, 80)}, nil
		default:
			return nil, nil
		}
	}

	s := newBatchStream(fetch, nil, 2)

	var got []int64
	for {
		e, ok, err := s.next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, e.PostID)
	}

	want := []int64{10, 9, 8}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if calls != 2 {
		t.Errorf("fetch called %d times, want 2 (short batch ends the stream)", calls)
	}
}

func TestBatchStream_PropagatesFetchError(t *testing.T) {
	fetchErr := errors.New("redis unavailable")
	s := newBatchStream(func(ctx context.Context, before *cursor.Cursor, limit int) ([]cache.Entry, error) {
		return nil, fetchErr
	}, nil, 2)

	_, _, err := s.next(context.Background())
	if !errors.Is(err, fetchErr) {
		t.Errorf("error = %v, want %v", err, fetchErr)
	}
}

func TestFilteredStream_SkipsRejected(t *testing.T) {
	inner := &sliceStream{entries: []cache.Entry{
		entry(10, 1, 100),
		entry(9, 2, 90),
		entry(8, 1, 80),
	}}
	s := &filteredStream{
		inner:  inner,
		accept: func(e cache.Entry) bool { return e.AuthorID != 2 },
	}

	var got []int64
	for {
		e, ok, err := s.next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, e.PostID)
	}

	if len(got) != 2 || got[0] != 10 || got[1] != 8 {
		t.Errorf("got %v, want [10 8]", got)
	}
}
