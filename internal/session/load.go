package session

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"ai-chatsync/internal/chat"
)

// LoadAll fetches the owner's chats once, deduplicates and sorts them, merges
// the newest InitialSlice synchronously and the rest in the background. The
// returned channel closes when the background part is done.
//
// Chats mutated or deleted locally after the fetch started are never
// overwritten by the fetched copies.
func (s *Store) LoadAll(ctx context.Context, ownerID string) (<-chan struct{}, error) {
	if ownerID == "" {
		return nil, chat.Invalid("owner id is empty")
	}
	s.mu.Lock()
	s.owner = ownerID
	startGen, epoch := s.gen, s.epoch
	s.mu.Unlock()

	done := make(chan struct{})
	if s.remote == nil {
		close(done)
		return done, nil
	}
	raw, err := s.remote.List(ctx, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "list chats")
	}
	records := chat.Dedup(raw)
	chat.SortByRecent(records)

	n := s.opts.InitialSlice
	if n > len(records) {
		n = len(records)
	}
	s.merge(ownerID, records[:n], startGen, epoch, true)
	log.Info().Str("owner", ownerID).Int("total", len(records)).Int("first", n).Msg("📥 chats loaded")

	rest := records[n:]
	if len(rest) == 0 {
		close(done)
		return done, nil
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer close(done)
		for len(rest) > 0 {
			if s.ctx.Err() != nil {
				return
			}
			k := s.opts.LoadChunk
			if k > len(rest) {
				k = len(rest)
			}
			if !s.merge(ownerID, rest[:k], startGen, epoch, false) {
				return
			}
			rest = rest[k:]
		}
		log.Debug().Str("owner", ownerID).Msg("background load finished")
	}()
	return done, nil
}

// LoadLocal boots degraded mode from the fallback slot.
func (s *Store) LoadLocal() error {
	if s.fallback == nil {
		return nil
	}
	records, err := s.fallback.Load()
	if err != nil {
		return errors.Wrap(err, "load local chats")
	}
	records = chat.Dedup(records)
	for i := range records {
		records[i].OwnerID = ""
	}
	s.mu.Lock()
	startGen, epoch := s.gen, s.epoch
	s.mu.Unlock()
	s.merge("", records, startGen, epoch, true)
	return nil
}

// merge folds fetched records into memory. It reports false when the session
// was reset since the fetch began, in which case nothing is applied.
func (s *Store) merge(ownerID string, records []chat.Record, startGen, epoch uint64, warmCache bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	changed := false
	for _, r := range records {
		if r.ID == "" {
			continue
		}
		if s.deleted[r.ID] > startGen || s.touched[r.ID] > startGen {
			continue
		}
		if cur, ok := s.records[r.ID]; ok && !chat.Newer(r, cur) {
			continue
		}
		if r.OwnerID == "" {
			r.OwnerID = ownerID
		}
		r = r.Clone()
		s.records[r.ID] = r
		if warmCache {
			s.cache.Put(r)
		}
		changed = true
	}
	if changed {
		s.notify()
	}
	return true
}
