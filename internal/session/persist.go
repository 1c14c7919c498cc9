package session

import (
	"context"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"ai-chatsync/internal/chat"
	"ai-chatsync/internal/remote"
)

// scheduleLocked (re)arms the debounce timer for id. Every armed timer holds
// one slot in s.bg until it fires or is stopped.
func (s *Store) scheduleLocked(id string) {
	if p, ok := s.timers[id]; ok && p.timer.Stop() {
		s.bg.Done()
	}
	p := &pendingPersist{}
	s.timers[id] = p
	s.bg.Add(1)
	p.timer = time.AfterFunc(s.opts.Debounce, func() {
		defer s.bg.Done()
		s.fire(id, p)
	})
}

func (s *Store) cancelTimerLocked(id string) {
	p, ok := s.timers[id]
	if !ok {
		return
	}
	delete(s.timers, id)
	if p.timer.Stop() {
		s.bg.Done()
	}
}

func (s *Store) fire(id string, p *pendingPersist) {
	s.mu.Lock()
	if s.timers[id] != p {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.mu.Unlock()
	_ = s.persist(s.ctx, id)
}

// PersistNow cancels any pending debounce for id and writes the current
// in-memory record immediately.
func (s *Store) PersistNow(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.records[id]
	s.cancelTimerLocked(id)
	s.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrNotFound, id)
	}
	return s.persist(ctx, id)
}

// FlushAll writes every chat with a pending debounce. It is the best-effort
// unload path; its failures are reported like any other persist.
func (s *Store) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.timers))
	for id := range s.timers {
		ids = append(ids, id)
		s.cancelTimerLocked(id)
	}
	s.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	log.Info().Int("chats", len(ids)).Msg("💾 flushing pending chats")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range ids {
		id := id
		g.Go(func() error { return s.persist(gctx, id) })
	}
	return g.Wait()
}

// persist writes the latest in-memory copy of id. Writes for one id never overlap.
func (s *Store) persist(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	r, ok := s.records[id]
	if ok {
		r = r.Clone()
	}
	s.mu.Unlock()
	if !ok || !r.Persistable() {
		return nil
	}
	if r.OwnerID == "" {
		if err := s.saveFallback(); err != nil {
			s.report(id, err)
			return err
		}
		return nil
	}
	if s.remote == nil {
		return nil
	}
	if err := s.putWithRetry(ctx, r); err != nil {
		err = errors.Wrapf(err, "persist chat %s", id)
		s.report(id, err)
		return err
	}
	log.Debug().Str("chat_id", id).Int("messages", len(r.Messages)).Msg("chat persisted")
	return nil
}

// putWithRetry tries up to RetryAttempts times, sleeping RetryBackoff × attempt
// between tries. Only transient failures are retried.
func (s *Store) putWithRetry(ctx context.Context, r chat.Record) error {
	var terminal error
	err := retry.Retry(func(attempt uint) error {
		if !s.resident(r.ID) {
			log.Debug().Str("chat_id", r.ID).Msg("chat gone, dropping put")
			return nil
		}
		if err := s.limiter.Wait(ctx); err != nil {
			terminal = err
			return nil
		}
		err := s.remote.Put(ctx, r)
		if err == nil {
			return nil
		}
		if !remote.IsRetryable(err) {
			terminal = err
			return nil
		}
		log.Warn().Err(err).Str("chat_id", r.ID).Uint("attempt", attempt+1).Msg("remote put failed")
		return err
	},
		strategy.Limit(uint(s.opts.RetryAttempts)),
		strategy.Backoff(backoff.Linear(s.opts.RetryBackoff)),
	)
	if terminal != nil {
		return terminal
	}
	return err
}

// resident reports whether id is still in the in-memory list.
func (s *Store) resident(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok
}

// saveFallback writes every unowned chat to the local slot. The snapshot and
// the write happen under fallbackMu so an older snapshot never lands last.
func (s *Store) saveFallback() error {
	if s.fallback == nil {
		return nil
	}
	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()
	s.mu.Lock()
	local := make([]chat.Record, 0)
	for _, r := range s.records {
		if r.OwnerID == "" && r.Persistable() {
			local = append(local, r.Clone())
		}
	}
	s.mu.Unlock()
	chat.SortByRecent(local)
	return errors.Wrap(s.fallback.Save(local), "save local chats")
}
