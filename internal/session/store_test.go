package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"ai-chatsync/internal/cache"
	"ai-chatsync/internal/chat"
	"ai-chatsync/internal/remote"
)

const owner = "u1"

func rec(id string, ts int64, texts ...string) chat.Record {
	r := chat.Record{
		ID:        id,
		Title:     "chat " + id,
		CreatedAt: time.Unix(ts, 0),
		UpdatedAt: time.Unix(ts, 0),
	}
	for _, t := range texts {
		r.Messages = append(r.Messages, chat.Message{Role: chat.RoleUser, Content: t, CreatedAt: r.CreatedAt})
	}
	return r
}

func owned(r chat.Record) chat.Record {
	r.OwnerID = owner
	return r
}

type errSink struct {
	mu   sync.Mutex
	errs []error
}

func (e *errSink) add(_ string, err error) {
	e.mu.Lock()
	e.errs = append(e.errs, err)
	e.mu.Unlock()
}

func (e *errSink) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.errs)
}

func newStore(t *testing.T, rs remote.Store, fb Fallback, sink *errSink) *Store {
	t.Helper()
	opts := Options{
		Debounce:     30 * time.Millisecond,
		RetryBackoff: time.Millisecond,
		PersistRate:  1000,
	}
	if sink != nil {
		opts.OnError = sink.add
	}
	s := New(cache.New(cache.DefaultCapacity), rs, fb, opts)
	t.Cleanup(s.Close)
	return s
}

func signIn(t *testing.T, s *Store) {
	t.Helper()
	done, err := s.LoadAll(context.Background(), owner)
	require.NoError(t, err)
	<-done
}

func TestUpsertIsVisibleBeforePersist(t *testing.T) {
	rs := remote.NewMemoryStore()
	s := New(nil, rs, nil, Options{Debounce: time.Hour})
	defer s.Close()
	signIn(t, s)

	require.NoError(t, s.UpsertOptimistic(rec("c1", 100, "hi")))

	got, ok := s.Peek("c1")
	require.True(t, ok)
	require.Equal(t, owner, got.OwnerID)
	cached, ok := s.Cached("c1")
	require.True(t, ok)
	require.Equal(t, "hi", cached.Messages[0].Content)
	require.Equal(t, 0, rs.PutsFor("c1"))
}

func TestUpsertRejectsEmptyID(t *testing.T) {
	s := newStore(t, nil, nil, nil)
	err := s.UpsertOptimistic(chat.Record{})
	require.True(t, errors.Is(err, chat.ErrValidation))
}

func TestUpsertNeverMovesUpdatedAtBack(t *testing.T) {
	now := time.Unix(150, 0)
	s := New(nil, nil, nil, Options{Debounce: time.Hour, Now: func() time.Time { return now }})
	defer s.Close()

	require.NoError(t, s.UpsertOptimistic(rec("c1", 200, "a")))
	got, _ := s.Peek("c1")
	require.Equal(t, time.Unix(200, 0), got.UpdatedAt)

	require.NoError(t, s.UpsertOptimistic(rec("c1", 100, "a", "b")))
	got, _ = s.Peek("c1")
	require.Equal(t, time.Unix(200, 0), got.UpdatedAt)
	require.Len(t, got.Messages, 2)
}

func TestUpsertAdvancesUnchangedUpdatedAt(t *testing.T) {
	now := time.Unix(300, 0)
	s := New(nil, nil, nil, Options{Debounce: time.Hour, Now: func() time.Time { return now }})
	defer s.Close()

	require.NoError(t, s.UpsertOptimistic(rec("c1", 200, "a")))
	require.NoError(t, s.UpsertOptimistic(rec("c1", 200, "a", "b")))
	got, _ := s.Peek("c1")
	require.Equal(t, time.Unix(300, 0), got.UpdatedAt)

	require.NoError(t, s.UpsertOptimistic(rec("c1", 400, "a", "b", "c")))
	got, _ = s.Peek("c1")
	require.Equal(t, time.Unix(400, 0), got.UpdatedAt)
}

func TestDebounceCoalescesBursts(t *testing.T) {
	rs := remote.NewMemoryStore()
	s := newStore(t, rs, nil, nil)
	signIn(t, s)

	for i := 1; i <= 5; i++ {
		texts := make([]string, i)
		for j := range texts {
			texts[j] = fmt.Sprintf("m%d", j)
		}
		require.NoError(t, s.UpsertOptimistic(rec("c1", 100, texts...)))
	}
	s.Wait()

	puts := rs.Puts()
	require.Len(t, puts, 1)
	require.Len(t, puts[0].Messages, 5)
}

func TestDebounceIsPerChat(t *testing.T) {
	rs := remote.NewMemoryStore()
	s := newStore(t, rs, nil, nil)
	signIn(t, s)

	require.NoError(t, s.UpsertOptimistic(rec("c1", 100, "a")))
	require.NoError(t, s.UpsertOptimistic(rec("c2", 100, "b")))
	s.Wait()

	require.Equal(t, 1, rs.PutsFor("c1"))
	require.Equal(t, 1, rs.PutsFor("c2"))
}

func TestEmptyChatIsNotPersisted(t *testing.T) {
	rs := remote.NewMemoryStore()
	s := newStore(t, rs, nil, nil)
	signIn(t, s)

	require.NoError(t, s.UpsertOptimistic(rec("c1", 100)))
	s.Wait()
	require.Equal(t, 0, rs.PutsFor("c1"))
	_, ok := s.Peek("c1")
	require.True(t, ok)
}

func TestPutRetriesThenReportsAndKeepsMemory(t *testing.T) {
	rs := remote.NewMemoryStore()
	sink := &errSink{}
	s := newStore(t, rs, nil, sink)
	signIn(t, s)

	rs.FailNextPuts(remote.ErrTransient, remote.ErrTransient, remote.ErrTransient)
	require.NoError(t, s.UpsertOptimistic(rec("c1", 100, "hi")))
	s.Wait()

	require.Equal(t, 3, rs.PutsFor("c1"))
	require.Equal(t, 1, sink.count())
	_, ok := s.Peek("c1")
	require.True(t, ok)
	_, err := rs.Get(context.Background(), owner, "c1")
	require.True(t, errors.Is(err, remote.ErrNotFound))

	// the next change schedules a fresh attempt
	_, err = s.Mutate("c1", func(r *chat.Record) error {
		r.Messages = append(r.Messages, chat.Message{Role: chat.RoleAssistant, Content: "hello"})
		return nil
	})
	require.NoError(t, err)
	s.Wait()

	require.Equal(t, 4, rs.PutsFor("c1"))
	stored, err := rs.Get(context.Background(), owner, "c1")
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
}

// timedStore records when each Put arrives.
type timedStore struct {
	*remote.MemoryStore
	mu sync.Mutex
	at []time.Time
}

func (ts *timedStore) Put(ctx context.Context, r chat.Record) error {
	ts.mu.Lock()
	ts.at = append(ts.at, time.Now())
	ts.mu.Unlock()
	return ts.MemoryStore.Put(ctx, r)
}

func TestPutRetryBackoffIsLinear(t *testing.T) {
	mem := remote.NewMemoryStore()
	ts := &timedStore{MemoryStore: mem}
	unit := 40 * time.Millisecond
	s := New(nil, ts, nil, Options{Debounce: time.Millisecond, RetryBackoff: unit, PersistRate: 1000})
	defer s.Close()
	signIn(t, s)

	mem.FailNextPuts(remote.ErrTransient, remote.ErrTransient)
	require.NoError(t, s.UpsertOptimistic(rec("c1", 100, "hi")))
	s.Wait()

	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.Len(t, ts.at, 3)
	first, second := ts.at[1].Sub(ts.at[0]), ts.at[2].Sub(ts.at[1])
	require.GreaterOrEqual(t, first, unit)
	require.GreaterOrEqual(t, second, 2*unit)
	require.Greater(t, second, first)
}

func TestPutDoesNotRetryRejected(t *testing.T) {
	rs := remote.NewMemoryStore()
	sink := &errSink{}
	s := newStore(t, rs, nil, sink)
	signIn(t, s)

	rs.FailNextPuts(remote.ErrRejected)
	require.NoError(t, s.UpsertOptimistic(rec("c1", 100, "hi")))
	s.Wait()

	require.Equal(t, 1, rs.PutsFor("c1"))
	require.Equal(t, 1, sink.count())
}

func TestPersistNowAndFlushAll(t *testing.T) {
	rs := remote.NewMemoryStore()
	s := New(nil, rs, nil, Options{Debounce: time.Hour, PersistRate: 1000})
	defer s.Close()
	signIn(t, s)

	require.NoError(t, s.UpsertOptimistic(rec("c1", 100, "a")))
	require.NoError(t, s.UpsertOptimistic(rec("c2", 100, "b")))
	require.NoError(t, s.UpsertOptimistic(rec("c3", 100, "c")))

	require.NoError(t, s.PersistNow(context.Background(), "c1"))
	require.Equal(t, 1, rs.PutsFor("c1"))

	require.NoError(t, s.FlushAll(context.Background()))
	require.Equal(t, 1, rs.PutsFor("c1"))
	require.Equal(t, 1, rs.PutsFor("c2"))
	require.Equal(t, 1, rs.PutsFor("c3"))

	err := s.PersistNow(context.Background(), "missing")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestLoadAllDeduplicatesByNewestVersion(t *testing.T) {
	rs := remote.NewMemoryStore()
	old := owned(rec("c9", 100, "x"))
	old.Title = "old"
	fresh := owned(rec("c9", 200, "x"))
	fresh.Title = "fresh"
	rs.SeedRaw(old, fresh, owned(rec("c1", 50, "y")))

	s := newStore(t, rs, nil, nil)
	signIn(t, s)

	list := s.List()
	require.Len(t, list, 2)
	require.Equal(t, "c9", list[0].ID)
	require.Equal(t, "fresh", list[0].Title)
	require.Equal(t, time.Unix(200, 0), list[0].UpdatedAt)
}

func TestLoadAllMergesInSlices(t *testing.T) {
	rs := remote.NewMemoryStore()
	for i := 0; i < 25; i++ {
		rs.Seed(owned(rec(fmt.Sprintf("c%02d", i), int64(1000+i), "m")))
	}
	c := cache.New(cache.DefaultCapacity)
	s := New(c, rs, nil, Options{InitialSlice: 10, LoadChunk: 5})
	defer s.Close()

	done, err := s.LoadAll(context.Background(), owner)
	require.NoError(t, err)
	require.GreaterOrEqual(t, s.Len(), 10)
	_, ok := s.Peek("c24")
	require.True(t, ok)
	<-done

	require.Equal(t, 25, s.Len())
	require.Equal(t, 10, c.Len())
	require.Equal(t, "c24", s.List()[0].ID)
}

func TestLoadAllFailure(t *testing.T) {
	rs := remote.NewMemoryStore()
	rs.FailNextLists(remote.ErrTransient)
	s := newStore(t, rs, nil, nil)

	_, err := s.LoadAll(context.Background(), owner)
	require.True(t, errors.Is(err, remote.ErrTransient))
	_, err = s.LoadAll(context.Background(), "")
	require.True(t, errors.Is(err, chat.ErrValidation))
}

// gatedStore snapshots List and then holds the result until release is closed.
type gatedStore struct {
	*remote.MemoryStore
	started chan struct{}
	release chan struct{}
}

func (g *gatedStore) List(ctx context.Context, ownerID string) ([]chat.Record, error) {
	out, err := g.MemoryStore.List(ctx, ownerID)
	close(g.started)
	<-g.release
	return out, err
}

func TestLoadAllKeepsMutationsMadeDuringFetch(t *testing.T) {
	mem := remote.NewMemoryStore()
	mem.Seed(owned(rec("c1", 100, "remote")), owned(rec("c2", 100, "remote")), owned(rec("c3", 100, "remote")))
	g := &gatedStore{MemoryStore: mem, started: make(chan struct{}), release: make(chan struct{})}
	s := New(nil, g, nil, Options{Debounce: time.Hour})
	defer s.Close()

	type result struct {
		done <-chan struct{}
		err  error
	}
	res := make(chan result, 1)
	go func() {
		done, err := s.LoadAll(context.Background(), owner)
		res <- result{done, err}
	}()
	<-g.started

	local := owned(rec("c1", 50, "local", "edit"))
	require.NoError(t, s.UpsertOptimistic(local))
	require.NoError(t, s.UpsertOptimistic(owned(rec("c2", 50, "local"))))
	require.NoError(t, s.Delete(context.Background(), "c2"))
	close(g.release)

	r := <-res
	require.NoError(t, r.err)
	<-r.done

	got, ok := s.Peek("c1")
	require.True(t, ok)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "local", got.Messages[0].Content)
	_, ok = s.Peek("c2")
	require.False(t, ok)
	_, ok = s.Peek("c3")
	require.True(t, ok)
}

func TestMergeKeepsResidentOnTie(t *testing.T) {
	rs := remote.NewMemoryStore()
	s := newStore(t, rs, nil, nil)
	signIn(t, s)

	resident := owned(rec("c1", 100, "resident"))
	s.merge(owner, []chat.Record{resident}, 0, 0, false)
	tie := owned(rec("c1", 100, "incoming"))
	s.merge(owner, []chat.Record{tie}, 0, 0, false)
	got, _ := s.Peek("c1")
	require.Equal(t, "resident", got.Messages[0].Content)

	newer := owned(rec("c1", 101, "incoming"))
	s.merge(owner, []chat.Record{newer}, 0, 0, false)
	got, _ = s.Peek("c1")
	require.Equal(t, "incoming", got.Messages[0].Content)
}

func TestGetFallsBackToRemote(t *testing.T) {
	rs := remote.NewMemoryStore()
	s := newStore(t, rs, nil, nil)
	signIn(t, s)

	rs.Seed(owned(rec("late", 100, "x")))
	got, err := s.Get(context.Background(), "late")
	require.NoError(t, err)
	require.Equal(t, "late", got.ID)
	_, ok := s.Cached("late")
	require.True(t, ok)

	_, err = s.Get(context.Background(), "nope")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteRemoteFailureKeepsLocalRemoval(t *testing.T) {
	rs := remote.NewMemoryStore()
	rs.Seed(owned(rec("c1", 100, "x")))
	sink := &errSink{}
	s := newStore(t, rs, nil, sink)
	signIn(t, s)

	rs.FailNextDeletes(remote.ErrTransient)
	err := s.Delete(context.Background(), "c1")
	require.True(t, errors.Is(err, ErrRemoteDelete))
	require.Equal(t, 0, sink.count(), "delete failures are returned, not reported twice")

	_, ok := s.Peek("c1")
	require.False(t, ok)
	_, ok = s.Cached("c1")
	require.False(t, ok)
}

// blockingPutStore holds the first Put until release is closed.
type blockingPutStore struct {
	*remote.MemoryStore
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingPutStore) Put(ctx context.Context, r chat.Record) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.MemoryStore.Put(ctx, r)
}

func TestDeleteWaitsForInFlightPut(t *testing.T) {
	mem := remote.NewMemoryStore()
	bs := &blockingPutStore{MemoryStore: mem, started: make(chan struct{}), release: make(chan struct{})}
	s := newStore(t, bs, nil, nil)
	signIn(t, s)

	require.NoError(t, s.UpsertOptimistic(rec("c1", 100, "hi")))
	<-bs.started

	deleted := make(chan error, 1)
	go func() { deleted <- s.Delete(context.Background(), "c1") }()
	select {
	case err := <-deleted:
		t.Fatalf("delete returned before the running put finished: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	_, ok := s.Peek("c1")
	require.False(t, ok)

	close(bs.release)
	require.NoError(t, <-deleted)
	s.Wait()

	_, err := mem.Get(context.Background(), owner, "c1")
	require.True(t, errors.Is(err, remote.ErrNotFound))
}

func TestDeleteStopsPendingRetries(t *testing.T) {
	rs := remote.NewMemoryStore()
	s := New(nil, rs, nil, Options{Debounce: time.Millisecond, RetryBackoff: 50 * time.Millisecond, PersistRate: 1000})
	defer s.Close()
	signIn(t, s)

	rs.FailNextPuts(remote.ErrTransient)
	require.NoError(t, s.UpsertOptimistic(rec("c1", 100, "hi")))
	require.Eventually(t, func() bool { return rs.PutsFor("c1") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Delete(context.Background(), "c1"))
	s.Wait()

	require.Equal(t, 1, rs.PutsFor("c1"))
	_, err := rs.Get(context.Background(), owner, "c1")
	require.True(t, errors.Is(err, remote.ErrNotFound))
}

func TestDeleteMissingRemoteIsSuccess(t *testing.T) {
	rs := remote.NewMemoryStore()
	s := newStore(t, rs, nil, nil)
	signIn(t, s)

	require.NoError(t, s.UpsertOptimistic(rec("c1", 100, "x")))
	require.NoError(t, s.Delete(context.Background(), "c1"))
	s.Wait()
	require.Equal(t, 0, rs.PutsFor("c1"))
}

func TestResetDropsEverything(t *testing.T) {
	rs := remote.NewMemoryStore()
	s := New(nil, rs, nil, Options{Debounce: 20 * time.Millisecond})
	defer s.Close()
	signIn(t, s)

	require.NoError(t, s.UpsertOptimistic(rec("c1", 100, "x")))
	s.Reset()
	s.Wait()

	require.Equal(t, 0, s.Len())
	require.Equal(t, "", s.Owner())
	_, ok := s.Cached("c1")
	require.False(t, ok)
	require.Equal(t, 0, rs.PutsFor("c1"))
}

type memFallback struct {
	mu      sync.Mutex
	records []chat.Record
	saves   int
}

func (m *memFallback) Load() ([]chat.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.Record(nil), m.records...), nil
}

func (m *memFallback) Save(records []chat.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append([]chat.Record(nil), records...)
	m.saves++
	return nil
}

func TestUnownedChatsUseFallback(t *testing.T) {
	rs := remote.NewMemoryStore()
	fb := &memFallback{}
	s := newStore(t, rs, fb, nil)

	require.NoError(t, s.UpsertOptimistic(rec("c1", 100, "offline")))
	require.NoError(t, s.UpsertOptimistic(rec("c2", 100)))
	s.Wait()

	require.Len(t, rs.Puts(), 0)
	recs, _ := fb.Load()
	require.Len(t, recs, 1)
	require.Equal(t, "c1", recs[0].ID)

	restored := newStore(t, nil, fb, nil)
	require.NoError(t, restored.LoadLocal())
	got, ok := restored.Peek("c1")
	require.True(t, ok)
	require.Equal(t, "", got.OwnerID)

	require.NoError(t, restored.Delete(context.Background(), "c1"))
	recs, _ = fb.Load()
	require.Len(t, recs, 0)
}

// gatedFallback blocks the first Save until release is closed.
type gatedFallback struct {
	memFallback
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedFallback) Save(records []chat.Record) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.started)
		<-g.release
	}
	return g.memFallback.Save(records)
}

func TestFallbackSavesKeepLatestSnapshot(t *testing.T) {
	fb := &gatedFallback{started: make(chan struct{}), release: make(chan struct{})}
	s := New(nil, nil, fb, Options{Debounce: time.Hour})
	defer s.Close()

	require.NoError(t, s.UpsertOptimistic(rec("c1", 100, "one")))
	first := make(chan error, 1)
	go func() { first <- s.PersistNow(context.Background(), "c1") }()
	<-fb.started

	require.NoError(t, s.UpsertOptimistic(rec("c2", 200, "two")))
	second := make(chan error, 1)
	go func() { second <- s.PersistNow(context.Background(), "c2") }()
	time.Sleep(20 * time.Millisecond)

	close(fb.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	recs, _ := fb.Load()
	require.Len(t, recs, 2)
	require.Equal(t, "c2", recs[0].ID)
	require.Equal(t, "c1", recs[1].ID)
}

func TestChangesCoalesce(t *testing.T) {
	s := newStore(t, nil, nil, nil)
	require.NoError(t, s.UpsertOptimistic(rec("c1", 100, "a")))
	require.NoError(t, s.UpsertOptimistic(rec("c2", 100, "b")))

	select {
	case <-s.Changes():
	default:
		t.Fatal("expected a change signal")
	}
	select {
	case <-s.Changes():
		t.Fatal("signals should coalesce")
	default:
	}
}

func TestEvictIdleLeavesMemory(t *testing.T) {
	now := time.Unix(1000, 0)
	c := cache.New(10).WithClock(func() time.Time { return now })
	s := New(c, nil, nil, Options{Debounce: time.Hour})
	defer s.Close()

	require.NoError(t, s.UpsertOptimistic(rec("c1", 100, "a")))
	now = now.Add(time.Hour)
	require.Equal(t, 1, s.EvictIdle(30*time.Minute))
	_, ok := s.Cached("c1")
	require.False(t, ok)
	_, ok = s.Peek("c1")
	require.True(t, ok)
}
