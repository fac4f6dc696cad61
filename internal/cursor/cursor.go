// Package cursor implements the opaque pagination token used by every
// feed-shaped endpoint.
//
// A cursor encodes the sort key (created_at unix seconds, post id) of the
// last item the client has seen. It is a position marker, not a post
// reference: paging continues correctly from the encoded position even if
// the anchor post has been deleted in the meantime. Pages are keyed on
// (created_at DESC, id DESC) so equal timestamps still have a total order
// and cursor chaining never duplicates or skips items that are strictly
// older than the cursor.
package cursor

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Cursor is a decoded feed position.
type Cursor struct {
	Timestamp int64 // unix seconds of the last-seen item
	ID        int64 // id of the last-seen item, tie-breaker
}

// Before reports whether the position (ts, id) sorts strictly after c in
// feed order, i.e. whether an item at that position belongs on pages
// following c.
func (c Cursor) Before(ts, id int64) bool {
	if ts != c.Timestamp {
		return ts < c.Timestamp
	}
	return id < c.ID
}

// Encode serializes a cursor into its opaque wire form.
func Encode(ts, id int64) string {
	raw := fmt.Sprintf("%d:%d", ts, id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses the opaque wire form produced by Encode.
func Decode(s string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}

	parts := strings.Split(string(raw), ":")
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("invalid cursor format")
	}

	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid timestamp in cursor: %w", err)
	}

	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid id in cursor: %w", err)
	}

	return Cursor{Timestamp: ts, ID: id}, nil
}
