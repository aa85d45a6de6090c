// pkg/tally/tally_test.go
package tally

import (
	"sync"
	"testing"
)

func TestTally_Basics(t *testing.T) {
	t.Run("New", func(t *testing.T) {
		tl := New()
		if tl.Pending() != 0 || tl.Total() != 0 {
			t.Errorf("New() pending=%d total=%d, want 0/0", tl.Pending(), tl.Total())
		}
		if len(tl.stripes)&(len(tl.stripes)-1) != 0 {
			t.Errorf("stripe count %d is not a power of two", len(tl.stripes))
		}
	})

	t.Run("AddAndPending", func(t *testing.T) {
		testCases := []struct {
			name    string
			adds    []int64
			pending int64
		}{
			{"Positive", []int64{10, 5, 2}, 17},
			{"Mixed", []int64{10, -5, 2}, 7},
			{"Zero", []int64{3, -3}, 0},
			{"NoopZeroAdd", []int64{0, 0}, 0},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				tl := New()
				for _, n := range tc.adds {
					tl.Add(n)
				}
				if got := tl.Pending(); got != tc.pending {
					t.Errorf("Pending() = %d, want %d", got, tc.pending)
				}
			})
		}
	})
}

func TestTally_SettleWorkflow(t *testing.T) {
	tl := New()
	tl.Add(30)
	tl.Add(20)

	pending := tl.Pending()
	if pending != 50 {
		t.Fatalf("Pending() = %d, want 50", pending)
	}

	// Adds that land between reading Pending and settling must survive.
	tl.Add(4)
	tl.Settle(pending)

	if got := tl.Pending(); got != 4 {
		t.Errorf("after settle Pending() = %d, want 4", got)
	}
	if got := tl.Total(); got != 54 {
		t.Errorf("Total() = %d, want 54", got)
	}
}

// TestTally_Concurrent checks that concurrent Add calls are never lost.
// Run with `go test -race ./...`
func TestTally_Concurrent(t *testing.T) {
	t.Parallel()

	tl := New()
	numGoroutines := 100
	addsPerGoroutine := 1000
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < addsPerGoroutine; j++ {
				tl.Add(1)
			}
		}()
	}
	wg.Wait()

	want := int64(numGoroutines * addsPerGoroutine)
	if got := tl.Pending(); got != want {
		t.Errorf("concurrent adds resulted in %d, want %d", got, want)
	}
}

func TestNextPow2(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 2: 2, 3: 4, 8: 8, 9: 16, 100: 128}
	for in, want := range cases {
		if got := nextPow2(in); got != want {
			t.Errorf("nextPow2(%d) = %d, want %d", in, got, want)
		}
	}
}
