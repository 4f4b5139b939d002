// Package testutil provides in-memory fakes for package tests.
package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	gateway "github.com/gpttools/gpttools/internal"
)

// FakeStore is an in-memory implementation of storage.Store. All methods are
// safe for concurrent use. Zero-value maps are initialized by NewFakeStore.
type FakeStore struct {
	mu        sync.RWMutex
	accounts  map[string]*gateway.Account
	tokens    map[string]*gateway.Token
	snaps     []*gateway.UsageSnapshot
	keys      map[string]*gateway.APIKey
	logins    map[string]*gateway.LoginSession
	events    []*gateway.Event
	logs      []*gateway.RequestLog
	nextSnap  int64
	nextEvent int64
	nextLog   int64
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		accounts: make(map[string]*gateway.Account),
		tokens:   make(map[string]*gateway.Token),
		keys:     make(map[string]*gateway.APIKey),
		logins:   make(map[string]*gateway.LoginSession),
	}
}

// --- AccountStore ---

func (s *FakeStore) UpsertAccount(_ context.Context, a *gateway.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *FakeStore) GetAccount(_ context.Context, id string) (*gateway.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *FakeStore) ListAccounts(context.Context) ([]*gateway.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sort != out[j].Sort {
			return out[i].Sort < out[j].Sort
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *FakeStore) UpdateAccountStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return gateway.ErrNotFound
	}
	a.Status = status
	return nil
}

func (s *FakeStore) UpdateAccountSort(_ context.Context, id string, sortVal int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return gateway.ErrNotFound
	}
	a.Sort = sortVal
	return nil
}

func (s *FakeStore) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
	delete(s.tokens, id)
	snaps := s.snaps[:0]
	for _, snap := range s.snaps {
		if snap.AccountID != id {
			snaps = append(snaps, snap)
		}
	}
	s.snaps = snaps
	events := s.events[:0]
	for _, e := range s.events {
		if e.AccountID != id {
			events = append(events, e)
		}
	}
	s.events = events
	return nil
}

// --- TokenStore ---

func (s *FakeStore) UpsertToken(_ context.Context, t *gateway.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.AccountID] = &cp
	return nil
}

func (s *FakeStore) GetToken(_ context.Context, accountID string) (*gateway.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[accountID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *FakeStore) ListTokens(context.Context) ([]*gateway.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

// --- UsageStore ---

func (s *FakeStore) InsertUsageSnapshot(_ context.Context, snap *gateway.UsageSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSnap++
	cp := *snap
	cp.ID = s.nextSnap
	if cp.CapturedAt.IsZero() {
		cp.CapturedAt = time.Now().UTC()
	}
	s.snaps = append(s.snaps, &cp)
	return nil
}

func (s *FakeStore) LatestUsageSnapshots(context.Context) (map[string]*gateway.UsageSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*gateway.UsageSnapshot)
	for _, snap := range s.snaps {
		cur, ok := out[snap.AccountID]
		if !ok || snap.CapturedAt.After(cur.CapturedAt) ||
			(snap.CapturedAt.Equal(cur.CapturedAt) && snap.ID > cur.ID) {
			cp := *snap
			out[snap.AccountID] = &cp
		}
	}
	return out, nil
}

func (s *FakeStore) LatestUsageSnapshot(ctx context.Context, accountID string) (*gateway.UsageSnapshot, error) {
	all, _ := s.LatestUsageSnapshots(ctx)
	snap, ok := all[accountID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return snap, nil
}

// --- APIKeyStore ---

func (s *FakeStore) CreateKey(_ context.Context, key *gateway.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *FakeStore) GetKey(_ context.Context, id string) (*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *FakeStore) GetKeyByHash(_ context.Context, hash string) (*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.KeyHash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListKeys(context.Context) ([]*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		cp := *k
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) UpdateKeyModel(_ context.Context, id, modelSlug, reasoningEffort string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	k.ModelSlug = modelSlug
	k.ReasoningEffort = reasoningEffort
	return nil
}

func (s *FakeStore) UpdateKeyStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	k.Status = status
	return nil
}

func (s *FakeStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}

func (s *FakeStore) TouchKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

// --- LoginStore ---

func (s *FakeStore) CreateLoginSession(_ context.Context, sess *gateway.LoginSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.logins[sess.ID] = &cp
	return nil
}

func (s *FakeStore) GetLoginSession(_ context.Context, id string) (*gateway.LoginSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.logins[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *FakeStore) GetLoginSessionByState(_ context.Context, state string) (*gateway.LoginSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.logins {
		if sess.State == state {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) UpdateLoginSession(_ context.Context, sess *gateway.LoginSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logins[sess.ID]; !ok {
		return gateway.ErrNotFound
	}
	cp := *sess
	s.logins[sess.ID] = &cp
	return nil
}

// --- EventStore ---

func (s *FakeStore) AppendEvent(_ context.Context, e *gateway.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEvent++
	cp := *e
	cp.ID = s.nextEvent
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, &cp)
	return nil
}

func (s *FakeStore) ListEvents(_ context.Context, accountID string, limit int) ([]*gateway.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if accountID != "" && e.AccountID != accountID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Events returns a copy of all appended events, oldest first. Test hook.
func (s *FakeStore) Events() []*gateway.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.Event, len(s.events))
	copy(out, s.events)
	return out
}

// --- RequestLogStore ---

func (s *FakeStore) AppendRequestLog(_ context.Context, l *gateway.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLog++
	cp := *l
	cp.ID = s.nextLog
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *FakeStore) ListRequestLogs(_ context.Context, query string, limit int) ([]*gateway.RequestLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.RequestLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		row := s.logs[i]
		if query != "" && !matchesLog(row, query) {
			continue
		}
		cp := *row
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *FakeStore) ClearRequestLogs(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = nil
	return nil
}

// RequestLogs returns a copy of all rows, oldest first. Test hook.
func (s *FakeStore) RequestLogs() []*gateway.RequestLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.RequestLog, len(s.logs))
	copy(out, s.logs)
	return out
}

func matchesLog(row *gateway.RequestLog, query string) bool {
	return strings.Contains(row.Path, query) ||
		strings.Contains(row.Model, query) ||
		strings.Contains(row.Error, query)
}

// Close implements storage.Store.
func (s *FakeStore) Close() error { return nil }
