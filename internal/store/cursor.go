package store

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned when a cursor string cannot be parsed.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks a position in a conversation's message log.
type Cursor struct {
	At time.Time
	ID int64
}

// CursorOf returns the cursor pointing at msg.
func CursorOf(msg *Message) Cursor {
	return Cursor{At: msg.CreatedAt, ID: msg.ID}
}

// Before reports whether the cursor sorts strictly before msg.
func (c Cursor) Before(msg *Message) bool {
	if c.At.Equal(msg.CreatedAt) {
		return c.ID < msg.ID
	}
	return c.At.Before(msg.CreatedAt)
}

// String encodes the cursor as "<unix-nanos>.<id>".
func (c Cursor) String() string {
	return strconv.FormatInt(c.At.UnixNano(), 10) + "." + strconv.FormatInt(c.ID, 10)
}

// ParseCursor decodes a cursor produced by Cursor.String. An empty string yields nil.
func ParseCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	nanos, id, ok := strings.Cut(s, ".")
	if !ok {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	i, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, n).UTC(), ID: i}, nil
}
