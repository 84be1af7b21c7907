package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	testTenant = "tenant-001"
	testDay    = "2026-08-31"
)

func fptr(f float64) *float64 { return &f }

func TestReserveWithinCapacity(t *testing.T) {
	l := NewMemoryLedger()
	defer l.Close()
	ctx := context.Background()

	res, err := l.Reserve(ctx, testTenant, "fidc-a", testDay, 400, fptr(1000), "prop-1")
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if !res.OK {
		t.Fatal("expected reservation to succeed")
	}
	if res.Remaining != 600 {
		t.Errorf("expected remaining 600, got %v", res.Remaining)
	}

	reserved, _ := l.Reserved(ctx, testTenant, "fidc-a", testDay)
	if reserved != 400 {
		t.Errorf("expected reserved 400, got %v", reserved)
	}
}

func TestReserveOverCapacity(t *testing.T) {
	l := NewMemoryLedger()
	defer l.Close()
	ctx := context.Background()

	if res, _ := l.Reserve(ctx, testTenant, "fidc-a", testDay, 800, fptr(1000), "prop-1"); !res.OK {
		t.Fatal("first reservation should succeed")
	}

	res, err := l.Reserve(ctx, testTenant, "fidc-a", testDay, 300, fptr(1000), "prop-2")
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if res.OK {
		t.Error("reservation beyond capacity must report ok=false")
	}
	if res.Remaining != 200 {
		t.Errorf("expected remaining 200 after losing call, got %v", res.Remaining)
	}
}

func TestReserveExactCapacityBoundary(t *testing.T) {
	l := NewMemoryLedger()
	defer l.Close()
	ctx := context.Background()

	// Spending exactly to the cap is allowed: reserved <= capacity.
	res, _ := l.Reserve(ctx, testTenant, "fidc-a", testDay, 1000, fptr(1000), "prop-1")
	if !res.OK || res.Remaining != 0 {
		t.Errorf("expected ok with remaining 0, got %+v", res)
	}
}

func TestReserveIdempotentRetry(t *testing.T) {
	l := NewMemoryLedger()
	defer l.Close()
	ctx := context.Background()

	first, _ := l.Reserve(ctx, testTenant, "fidc-a", testDay, 400, fptr(1000), "prop-1")
	retry, err := l.Reserve(ctx, testTenant, "fidc-a", testDay, 400, fptr(1000), "prop-1")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	if !retry.Duplicate {
		t.Error("retry must be marked duplicate")
	}
	if retry.OK != first.OK || retry.Remaining != first.Remaining {
		t.Errorf("retry must replay the committed result: first=%+v retry=%+v", first, retry)
	}

	reserved, _ := l.Reserved(ctx, testTenant, "fidc-a", testDay)
	if reserved != 400 {
		t.Errorf("retry must not double-count: reserved %v", reserved)
	}
}

func TestReserveUncapped(t *testing.T) {
	l := NewMemoryLedger()
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		res, err := l.Reserve(ctx, testTenant, "fidc-open", testDay, 1e6, nil, fmt.Sprintf("prop-%d", i))
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if !res.OK || !res.Uncapped {
			t.Fatalf("uncapped counterparty must always succeed, got %+v", res)
		}
	}
}

func TestConcurrentReserveLastUnit(t *testing.T) {
	l := NewMemoryLedger()
	defer l.Close()
	ctx := context.Background()

	// Capacity for exactly one more reservation of 500.
	if res, _ := l.Reserve(ctx, testTenant, "fidc-a", testDay, 500, fptr(1000), "prop-seed"); !res.OK {
		t.Fatal("seed reservation should succeed")
	}

	var successes atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := l.Reserve(ctx, testTenant, "fidc-a", testDay, 500, fptr(1000), fmt.Sprintf("prop-race-%d", n))
			if err != nil {
				t.Errorf("Reserve failed: %v", err)
				return
			}
			if res.OK {
				successes.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("exactly one racing reservation must win, got %d", successes.Load())
	}

	reserved, _ := l.Reserved(ctx, testTenant, "fidc-a", testDay)
	if reserved != 1000 {
		t.Errorf("expected reserved 1000, got %v", reserved)
	}
}

func TestConcurrentReserveManyProposals(t *testing.T) {
	l := NewMemoryLedger()
	defer l.Close()
	ctx := context.Background()

	const workers = 100
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := l.Reserve(ctx, testTenant, "fidc-a", testDay, 10, fptr(500), fmt.Sprintf("prop-%d", n))
			if err != nil {
				t.Errorf("Reserve failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// 100 attempts of 10 against capacity 500: exactly 50 commit.
	reserved, _ := l.Reserved(ctx, testTenant, "fidc-a", testDay)
	if reserved != 500 {
		t.Errorf("expected reserved exactly 500, got %v", reserved)
	}
}

func TestKeysAreIsolated(t *testing.T) {
	l := NewMemoryLedger()
	defer l.Close()
	ctx := context.Background()

	cases := []struct {
		tenant, cp, day string
	}{
		{testTenant, "fidc-a", testDay},
		{testTenant, "fidc-b", testDay},
		{testTenant, "fidc-a", "2026-09-01"},
		{"tenant-002", "fidc-a", testDay},
	}
	for i, c := range cases {
		if _, err := l.Reserve(ctx, c.tenant, c.cp, c.day, float64(100*(i+1)), fptr(10000), "prop-1"); err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
	}

	for i, c := range cases {
		reserved, _ := l.Reserved(ctx, c.tenant, c.cp, c.day)
		want := float64(100 * (i + 1))
		if reserved != want {
			t.Errorf("key %v: expected %v, got %v", c, want, reserved)
		}
	}
}

func TestSnapshot(t *testing.T) {
	l := NewMemoryLedger()
	defer l.Close()
	ctx := context.Background()

	_, _ = l.Reserve(ctx, testTenant, "fidc-a", testDay, 300, fptr(1000), "prop-1")
	_, _ = l.Reserve(ctx, testTenant, "fidc-b", testDay, 700, fptr(1000), "prop-2")

	snap, err := l.Snapshot(ctx, testTenant, []string{"fidc-a", "fidc-b", "fidc-c"}, testDay)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	want := map[string]float64{"fidc-a": 300, "fidc-b": 700, "fidc-c": 0}
	for id, amount := range want {
		if snap[id] != amount {
			t.Errorf("%s: expected %v, got %v", id, amount, snap[id])
		}
	}
}

func TestLedgerFactory(t *testing.T) {
	l, err := New(domain.LedgerConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	defer l.Close()

	if _, err := New(domain.LedgerConfig{Type: "dynamo"}); err == nil {
		t.Error("expected error for unsupported ledger type")
	}
}
