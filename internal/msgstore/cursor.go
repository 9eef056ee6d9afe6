// ABOUTME: Opaque pagination cursors for message history
// ABOUTME: Format is base64(created_at_rfc3339nano|message_id)

package msgstore

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// encodeCursor creates an opaque cursor string from a timestamp and message ID.
func encodeCursor(ts time.Time, id string) string {
	data := fmt.Sprintf("%s|%s", ts.UTC().Format(time.RFC3339Nano), id)
	return base64.StdEncoding.EncodeToString([]byte(data))
}

// decodeCursor parses an opaque cursor string into a timestamp and message ID.
// Returns ErrBadCursor if the cursor is malformed.
func decodeCursor(cursor string) (time.Time, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrBadCursor, err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("%w: expected timestamp|message_id", ErrBadCursor)
	}

	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: bad timestamp: %v", ErrBadCursor, err)
	}

	return ts, parts[1], nil
}
