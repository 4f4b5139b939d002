package gate

import (
	"sync"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	g1 := r.Acquire("acc-1")
	g2 := r.Acquire("acc-1")
	g3 := r.Acquire("acc-2")

	if got := r.Inflight("acc-1"); got != 2 {
		t.Errorf("Inflight(acc-1) = %d, want 2", got)
	}
	if got := r.InflightTotal(); got != 3 {
		t.Errorf("InflightTotal() = %d, want 3", got)
	}

	g1.Release()
	if got := r.Inflight("acc-1"); got != 1 {
		t.Errorf("after one release Inflight(acc-1) = %d, want 1", got)
	}

	g2.Release()
	g3.Release()
	if got := r.InflightTotal(); got != 0 {
		t.Errorf("after all releases InflightTotal() = %d, want 0", got)
	}
	if got := r.Inflight("acc-1"); got != 0 {
		t.Errorf("Inflight(acc-1) after drain = %d, want 0", got)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	g := r.Acquire("acc-1")
	other := r.Acquire("acc-1")
	g.Release()
	g.Release()
	g.Release()

	if got := r.Inflight("acc-1"); got != 1 {
		t.Errorf("double release decremented twice: Inflight = %d, want 1", got)
	}
	other.Release()
}

func TestExchangeLockIdentity(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	first := r.ExchangeLock("acc-1")
	second := r.ExchangeLock("acc-1")
	third := r.ExchangeLock("acc-2")

	if first != second {
		t.Error("same account id returned different lock instances")
	}
	if first == third {
		t.Error("different account ids returned the same lock instance")
	}
}

func TestExchangeLockSerializes(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	var inCritical, maxInCritical int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock := r.ExchangeLock("acc-1")
			lock.Lock()
			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()
			mu.Lock()
			inCritical--
			mu.Unlock()
			lock.Unlock()
		}()
	}
	wg.Wait()

	if maxInCritical != 1 {
		t.Errorf("critical section concurrency = %d, want 1", maxInCritical)
	}
}

func TestConcurrentAcquire(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	var wg sync.WaitGroup
	guards := make([]*Guard, 100)
	for i := range guards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			guards[i] = r.Acquire("acc-1")
		}()
	}
	wg.Wait()

	if got := r.Inflight("acc-1"); got != 100 {
		t.Errorf("Inflight = %d, want 100", got)
	}
	for _, g := range guards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Release()
		}()
	}
	wg.Wait()
	if got := r.InflightTotal(); got != 0 {
		t.Errorf("InflightTotal after drain = %d, want 0", got)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	r.Acquire("acc-1")
	before := r.ExchangeLock("acc-1")
	r.Reset()

	if got := r.InflightTotal(); got != 0 {
		t.Errorf("InflightTotal after Reset = %d, want 0", got)
	}
	if after := r.ExchangeLock("acc-1"); after == before {
		t.Error("Reset did not clear the lock map")
	}
}
