// Package cache holds session-scoped caches of derived results.
//
// Entries live per session. A session keeps at most MaxEntries values (the oldest inserted is
// dropped first) and disappears after IdleTTL without access, or when EndSession is called.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNoSession is returned when a call carries an empty session id.
var ErrNoSession = errors.New("cache: empty session id")

// Store maps (session, key) to bytes. A miss is ok == false, never an error.
type Store interface {
	Get(ctx context.Context, session, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, session, key string, value []byte) error
	EndSession(ctx context.Context, session string) error
}

// Policy bounds a store's growth. Zero values disable the corresponding bound.
type Policy struct {
	MaxEntries int
	IdleTTL    time.Duration
}

func validSession(session string) bool {
	return strings.TrimSpace(session) != ""
}
