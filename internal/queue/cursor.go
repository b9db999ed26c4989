package queue

import "fmt"

// cursorWidth is the zero-padded decimal width used to keep cursors
// lexicographically sortable as plain TEXT, matching the comparison the
// SQL layer does with a bare ORDER BY/WHERE on the cursor column.
const cursorWidth = 20

// formatCursor renders a monotonic per-topic sequence number as a cursor
// string. Sequence numbers are never reused, so equal-width zero-padding
// keeps string comparison equivalent to numeric comparison.
func formatCursor(seq int64) string {
	return fmt.Sprintf("%0*d", cursorWidth, seq)
}

// zeroCursor sorts before every real cursor formatCursor can produce —
// the "no entries read yet" starting point for a fresh consumer.
const zeroCursor = ""
