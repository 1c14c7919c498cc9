package session

import (
	"time"

	"golang.org/x/time/rate"
)

// Options tunes the store. Zero values take the defaults below.
type Options struct {
	Debounce      time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	InitialSlice  int
	LoadChunk     int
	PersistRate   rate.Limit
	PersistBurst  int
	Now           func() time.Time
	// OnError receives put and fallback failures for logging. They never roll
	// back memory and are not meant for the user. Delete returns its own error.
	OnError func(id string, err error)
}

const (
	DefaultDebounce      = 500 * time.Millisecond
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = time.Second
	DefaultInitialSlice  = 10
	DefaultLoadChunk     = 10
	DefaultPersistRate   = rate.Limit(20)
	DefaultPersistBurst  = 10
)

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = DefaultRetryAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.InitialSlice <= 0 {
		o.InitialSlice = DefaultInitialSlice
	}
	if o.LoadChunk <= 0 {
		o.LoadChunk = DefaultLoadChunk
	}
	if o.PersistRate <= 0 {
		o.PersistRate = DefaultPersistRate
	}
	if o.PersistBurst <= 0 {
		o.PersistBurst = DefaultPersistBurst
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
