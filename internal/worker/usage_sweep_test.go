package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	gateway "github.com/gpttools/gpttools/internal"
)

type sweepStore struct {
	accounts []*gateway.Account
	tokens   map[string]*gateway.Token
}

func (s *sweepStore) ListAccounts(context.Context) ([]*gateway.Account, error) {
	return s.accounts, nil
}

func (s *sweepStore) GetToken(_ context.Context, accountID string) (*gateway.Token, error) {
	t, ok := s.tokens[accountID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return t, nil
}

type staticBearers struct{}

func (staticBearers) ResolveBearer(_ context.Context, _ *gateway.Account, t *gateway.Token) (string, error) {
	return t.AccessToken, nil
}

type countingProber struct {
	mu       sync.Mutex
	accounts []string
}

func (p *countingProber) Refresh(_ context.Context, a *gateway.Account, _ string) (*gateway.UsageSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts = append(p.accounts, a.ID)
	return &gateway.UsageSnapshot{AccountID: a.ID}, nil
}

func (p *countingProber) refreshed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.accounts...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUsageSweep_RefreshesTokenedAccounts(t *testing.T) {
	t.Parallel()

	store := &sweepStore{
		accounts: []*gateway.Account{{ID: "acc-1"}, {ID: "acc-2"}, {ID: "acc-3"}},
		tokens: map[string]*gateway.Token{
			"acc-1": {AccountID: "acc-1", AccessToken: "t1"},
			"acc-3": {AccountID: "acc-3", AccessToken: "t3"},
		},
	}
	prober := &countingProber{}
	sweep := NewUsageSweep(store, staticBearers{}, prober, discardLogger(), time.Hour)

	sweep.sweep(context.Background())

	got := prober.refreshed()
	if len(got) != 2 || got[0] != "acc-1" || got[1] != "acc-3" {
		t.Errorf("refreshed = %v, want tokened accounts only", got)
	}
}

func TestUsageSweep_ZeroIntervalDisables(t *testing.T) {
	t.Parallel()

	prober := &countingProber{}
	sweep := NewUsageSweep(&sweepStore{}, staticBearers{}, prober, discardLogger(), 0)

	done := make(chan error, 1)
	go func() { done <- sweep.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("disabled sweep should return immediately")
	}
}

func TestUsageSweep_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	store := &sweepStore{
		accounts: []*gateway.Account{{ID: "acc-1"}},
		tokens:   map[string]*gateway.Token{"acc-1": {AccountID: "acc-1", AccessToken: "t"}},
	}
	prober := &countingProber{}
	sweep := NewUsageSweep(store, staticBearers{}, prober, discardLogger(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweep.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(prober.refreshed()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no refresh before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

type failingWorker struct{}

func (failingWorker) Name() string { return "failing" }

func (failingWorker) Run(context.Context) error { return errors.New("boom") }

type blockingWorker struct{}

func (blockingWorker) Name() string { return "blocking" }

func (blockingWorker) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestRunner_FirstErrorCancelsAll(t *testing.T) {
	t.Parallel()

	r := NewRunner(blockingWorker{}, failingWorker{})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil || err.Error() != "boom" {
			t.Errorf("Run = %v, want boom", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not propagate worker error")
	}
}
