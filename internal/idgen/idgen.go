// Package idgen generates time-ordered identifiers for core entities.
package idgen

import (
	"time"

	"github.com/google/uuid"
)

// New returns a globally unique, time-sortable UUIDv7 (RFC 9562) id.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns the current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
