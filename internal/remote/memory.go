package remote

import (
	"context"
	"sync"

	"ai-chatsync/internal/chat"
)

// MemoryStore is an in-process Store. It backs development runs without a
// document store and lets tests inject failures.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]map[string]chat.Record
	puts    []chat.Record
	failPut []error
	failDel []error
	failLst []error
	raw     []chat.Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string]chat.Record)}
}

// FailNextPuts makes the next len(errs) Put calls return errs in order.
func (m *MemoryStore) FailNextPuts(errs ...error) {
	m.mu.Lock()
	m.failPut = append(m.failPut, errs...)
	m.mu.Unlock()
}

func (m *MemoryStore) FailNextDeletes(errs ...error) {
	m.mu.Lock()
	m.failDel = append(m.failDel, errs...)
	m.mu.Unlock()
}

func (m *MemoryStore) FailNextLists(errs ...error) {
	m.mu.Lock()
	m.failLst = append(m.failLst, errs...)
	m.mu.Unlock()
}

// Seed stores records without counting them as puts.
func (m *MemoryStore) Seed(records ...chat.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.owner(r.OwnerID)[r.ID] = r.Clone()
	}
}

// SeedRaw adds rows returned verbatim by List, duplicates included. It
// simulates a store that holds several copies of one chat.
func (m *MemoryStore) SeedRaw(records ...chat.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.raw = append(m.raw, r.Clone())
	}
}

// Puts returns every record passed to a successful or failed Put, in order.
func (m *MemoryStore) Puts() []chat.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]chat.Record, len(m.puts))
	for i, r := range m.puts {
		out[i] = r.Clone()
	}
	return out
}

// PutsFor counts Put calls for one id.
func (m *MemoryStore) PutsFor(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.puts {
		if r.ID == id {
			n++
		}
	}
	return n
}

func (m *MemoryStore) Get(_ context.Context, ownerID, id string) (chat.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[ownerID][id]
	if !ok {
		return chat.Record{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, ownerID string) ([]chat.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := pop(&m.failLst); err != nil {
		return nil, err
	}
	out := make([]chat.Record, 0, len(m.records[ownerID]))
	for _, r := range m.records[ownerID] {
		out = append(out, r.Clone())
	}
	chat.SortByRecent(out)
	for _, r := range m.raw {
		if r.OwnerID == ownerID {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) Put(_ context.Context, record chat.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts = append(m.puts, record.Clone())
	if err := pop(&m.failPut); err != nil {
		return err
	}
	if cur, ok := m.records[record.OwnerID][record.ID]; ok && chat.Newer(cur, record) {
		return nil
	}
	m.owner(record.OwnerID)[record.ID] = record.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := pop(&m.failDel); err != nil {
		return err
	}
	delete(m.records[ownerID], id)
	return nil
}

func (m *MemoryStore) owner(ownerID string) map[string]chat.Record {
	byID, ok := m.records[ownerID]
	if !ok {
		byID = make(map[string]chat.Record)
		m.records[ownerID] = byID
	}
	return byID
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}
