// Package session owns the authoritative in-memory chat list of one client.
//
// Writes land in memory and the local cache synchronously; the remote mirror
// is updated afterwards by debounced, per-id serialized persists with retry.
// Remote failures are reported but never roll back memory.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"ai-chatsync/internal/cache"
	"ai-chatsync/internal/chat"
	"ai-chatsync/internal/remote"
)

var (
	ErrNotFound     = errors.New("chat not found")
	ErrRemoteDelete = errors.New("remote delete failed")
)

// Fallback is the local slot used for chats without an owner.
type Fallback interface {
	Load() ([]chat.Record, error)
	Save(records []chat.Record) error
}

type pendingPersist struct {
	timer *time.Timer
}

type Store struct {
	mu      sync.Mutex
	records map[string]chat.Record
	owner   string
	gen     uint64
	touched map[string]uint64
	deleted map[string]uint64
	timers  map[string]*pendingPersist
	epoch   uint64

	// fallbackMu orders snapshot and save of the local slot.
	fallbackMu sync.Mutex

	cache    *cache.LRU
	remote   remote.Store
	fallback Fallback
	limiter  *rate.Limiter
	locks    keyedMutex
	changes  chan struct{}
	opts     Options

	bg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a store. remoteStore and fallback may be nil.
func New(c *cache.LRU, remoteStore remote.Store, fallback Fallback, opts Options) *Store {
	if c == nil {
		c = cache.New(cache.DefaultCapacity)
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		records:  make(map[string]chat.Record),
		touched:  make(map[string]uint64),
		deleted:  make(map[string]uint64),
		timers:   make(map[string]*pendingPersist),
		cache:    c,
		remote:   remoteStore,
		fallback: fallback,
		limiter:  rate.NewLimiter(opts.PersistRate, opts.PersistBurst),
		changes:  make(chan struct{}, 1),
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Owner returns the signed-in owner, empty in degraded local mode.
func (s *Store) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Changes signals that the chat list needs a refresh. Signals coalesce.
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

// UpsertOptimistic replaces or inserts record in memory and the cache and
// schedules a debounced persist. It never blocks on the network.
// Replacing a resident record always advances UpdatedAt: a caller that does not
// move it past the resident value gets max(now, resident UpdatedAt).
func (s *Store) UpsertOptimistic(record chat.Record) error {
	if record.ID == "" {
		return chat.Invalid("record has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
	if cur, ok := s.records[record.ID]; ok && !record.UpdatedAt.After(cur.UpdatedAt) {
		record.UpdatedAt = cur.UpdatedAt
		if now.After(cur.UpdatedAt) {
			record.UpdatedAt = now
		}
	}
	if record.OwnerID == "" && s.owner != "" {
		record.OwnerID = s.owner
	}
	s.commitLocked(record.Clone())
	return nil
}

// Mutate applies fn to a copy of the stored record and commits it like
// UpsertOptimistic. UpdatedAt never moves backwards.
func (s *Store) Mutate(id string, fn func(r *chat.Record) error) (chat.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[id]
	if !ok {
		return chat.Record{}, errors.Wrap(ErrNotFound, id)
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return chat.Record{}, err
	}
	next.ID = id
	now := s.opts.Now()
	if now.Before(cur.UpdatedAt) {
		now = cur.UpdatedAt
	}
	next.UpdatedAt = now
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	if next.OwnerID == "" && s.owner != "" {
		next.OwnerID = s.owner
	}
	s.commitLocked(next)
	return next.Clone(), nil
}

func (s *Store) commitLocked(r chat.Record) {
	s.records[r.ID] = r
	s.cache.Put(r)
	s.gen++
	s.touched[r.ID] = s.gen
	delete(s.deleted, r.ID)
	s.notify()
	s.scheduleLocked(r.ID)
}

// Peek reads the in-memory list only.
func (s *Store) Peek(id string) (chat.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return chat.Record{}, false
	}
	return r.Clone(), true
}

// Cached reads the local cache only.
func (s *Store) Cached(id string) (chat.Record, bool) {
	return s.cache.Get(id)
}

// Get looks in the cache, then memory, then the remote store.
func (s *Store) Get(ctx context.Context, id string) (chat.Record, error) {
	if r, ok := s.cache.Get(id); ok {
		return r, nil
	}
	s.mu.Lock()
	if r, ok := s.records[id]; ok {
		s.cache.Put(r)
		s.mu.Unlock()
		return r.Clone(), nil
	}
	owner, startGen, epoch := s.owner, s.gen, s.epoch
	s.mu.Unlock()

	if owner == "" || s.remote == nil {
		return chat.Record{}, errors.Wrap(ErrNotFound, id)
	}
	r, err := s.remote.Get(ctx, owner, id)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return chat.Record{}, errors.Wrap(ErrNotFound, id)
		}
		return chat.Record{}, errors.Wrapf(err, "fetch chat %s", id)
	}
	s.merge(owner, []chat.Record{r}, startGen, epoch, true)
	if got, ok := s.Peek(id); ok {
		return got, nil
	}
	return chat.Record{}, errors.Wrap(ErrNotFound, id)
}

// List returns every chat, newest first.
func (s *Store) List() []chat.Record {
	s.mu.Lock()
	out := make([]chat.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	s.mu.Unlock()
	chat.SortByRecent(out)
	return out
}

// Len is the number of chats in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Delete removes a chat locally right away, then from the remote store. The
// remote delete queues behind any persist of the same id already running, so
// an older put can't recreate the chat. A remote failure is returned wrapped
// in ErrRemoteDelete and is not passed to OnError; the local removal stands.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	r, ok := s.records[id]
	delete(s.records, id)
	s.cache.Remove(id)
	s.cancelTimerLocked(id)
	s.gen++
	s.deleted[id] = s.gen
	delete(s.touched, id)
	owner := s.owner
	if ok {
		owner = r.OwnerID
	}
	s.notify()
	s.mu.Unlock()

	if owner == "" {
		if !ok {
			return errors.Wrap(ErrNotFound, id)
		}
		return s.saveFallback()
	}
	if s.remote == nil {
		return nil
	}
	unlock := s.locks.Lock(id)
	err := s.remote.Delete(ctx, owner, id)
	unlock()
	if err == nil || errors.Is(err, remote.ErrNotFound) {
		log.Info().Str("chat_id", id).Msg("🗑️ chat deleted")
		return nil
	}
	err = errors.Wrapf(ErrRemoteDelete, "chat %s: %v", id, err)
	log.Warn().Err(err).Str("chat_id", id).Msg("⚠️ remote delete failed")
	return err
}

// Reset drops every chat, pending persist and cached entry. Used on sign-out
// so nothing leaks to the next user.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.timers {
		s.cancelTimerLocked(id)
	}
	s.epoch++
	s.records = make(map[string]chat.Record)
	s.touched = make(map[string]uint64)
	s.deleted = make(map[string]uint64)
	s.owner = ""
	s.cache.Clear()
	s.notify()
	log.Info().Msg("🧹 session reset")
}

// EvictIdle drops cache entries untouched for longer than ttl. Memory is not affected.
func (s *Store) EvictIdle(ttl time.Duration) int {
	n := s.cache.EvictOlderThan(ttl)
	if n > 0 {
		log.Debug().Int("evicted", n).Msg("cache entries evicted")
	}
	return n
}

// Wait blocks until scheduled persists and background loads finish.
func (s *Store) Wait() {
	s.bg.Wait()
}

// Close cancels background work and waits for it.
func (s *Store) Close() {
	s.mu.Lock()
	for id := range s.timers {
		s.cancelTimerLocked(id)
	}
	s.mu.Unlock()
	s.cancel()
	s.bg.Wait()
}

func (s *Store) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Store) report(id string, err error) {
	log.Warn().Err(err).Str("chat_id", id).Msg("⚠️ persistence failed")
	if s.opts.OnError != nil {
		s.opts.OnError(id, err)
	}
}
