package buffer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"linkmeter/internal/usage/counter"
)

// recordingPersister collects committed deltas and can be told to fail.
type recordingPersister struct {
	mu      sync.Mutex
	totals  map[counter.Key]int64
	batches int
	fail    atomic.Bool
}

func newRecordingPersister() *recordingPersister {
	return &recordingPersister{totals: map[counter.Key]int64{}}
}

func (p *recordingPersister) CommitBatch(_ context.Context, commits []Commit) error {
	if p.fail.Load() {
		return errors.New("store down")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches++
	for _, c := range commits {
		p.totals[c.Key] += c.Delta
	}
	return nil
}

func (p *recordingPersister) total(k counter.Key) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totals[k]
}

var feb10 = time.Date(2026, time.February, 10, 12, 0, 0, 0, time.UTC)

func newMockBuffer(t *testing.T) (*Buffer, *quartz.Mock) {
	clk := quartz.NewMock(t)
	clk.Set(feb10)
	return New(clk), clk
}

func TestBuffer_AddClicksUsesCurrentPeriod(t *testing.T) {
	b, _ := newMockBuffer(t)
	require.NoError(t, b.AddClicks("ws", 3))
	require.NoError(t, b.AddClicks("ws", 2))
	assert.Equal(t, int64(5), b.Pending(counter.ClicksKey("ws", "2026-02")))
	assert.Equal(t, 1, b.Len())

	assert.ErrorIs(t, b.Add(counter.Key("nope"), 1), counter.ErrInvalidKey)
	assert.ErrorIs(t, b.AddClicks("a:b", 1), counter.ErrInvalidKey)
}

// TestWorker_CommitByThreshold checks only keys at or over the high
// watermark flush on a regular cycle.
func TestWorker_CommitByThreshold(t *testing.T) {
	b, _ := newMockBuffer(t)
	p := newRecordingPersister()
	w := NewWorker(b, p, WorkerOptions{CommitThreshold: 10})

	hot := counter.ClicksKey("hot", "2026-02")
	cold := counter.ClicksKey("cold", "2026-02")
	require.NoError(t, b.Add(hot, 12))
	require.NoError(t, b.Add(cold, 3))

	w.runCommitCycle()
	assert.Equal(t, int64(12), p.total(hot))
	assert.Equal(t, int64(0), p.total(cold))
	assert.Equal(t, int64(0), b.Pending(hot))
	assert.Equal(t, int64(3), b.Pending(cold))
}

func TestWorker_CommitByMaxAge(t *testing.T) {
	b, clk := newMockBuffer(t)
	p := newRecordingPersister()
	w := NewWorker(b, p, WorkerOptions{CommitThreshold: 100, CommitMaxAge: 5 * time.Second})

	k := counter.ClicksKey("ws", "2026-02")
	require.NoError(t, b.Add(k, 2))

	w.runCommitCycle()
	assert.Equal(t, int64(0), p.total(k))

	clk.Advance(6 * time.Second)
	w.runCommitCycle()
	assert.Equal(t, int64(2), p.total(k))
	assert.Equal(t, int64(0), b.Pending(k))
}

func TestWorker_Hysteresis(t *testing.T) {
	b, _ := newMockBuffer(t)
	p := newRecordingPersister()
	w := NewWorker(b, p, WorkerOptions{CommitThreshold: 10, LowCommitThreshold: 2})
	k := counter.ClicksKey("ws", "2026-02")

	require.NoError(t, b.Add(k, 10))
	w.runCommitCycle()
	require.Equal(t, 1, p.batches)

	// Pending is 0 now, which re-arms the key on the next scan.
	w.runCommitCycle()
	require.NoError(t, b.Add(k, 10))
	w.runCommitCycle()
	assert.Equal(t, 2, p.batches)
	assert.Equal(t, int64(20), p.total(k))
}

func TestWorker_FailedFlushKeepsPending(t *testing.T) {
	b, _ := newMockBuffer(t)
	p := newRecordingPersister()
	w := NewWorker(b, p, WorkerOptions{CommitThreshold: 1})
	k := counter.ClicksKey("ws", "2026-02")
	require.NoError(t, b.Add(k, 4))

	p.fail.Store(true)
	w.runCommitCycle()
	assert.Equal(t, int64(4), b.Pending(k))

	p.fail.Store(false)
	require.NoError(t, b.Add(k, 1))
	w.runCommitCycle()
	assert.Equal(t, int64(5), p.total(k))
	assert.Equal(t, int64(0), b.Pending(k))
}

func TestWorker_EvictionFlushesRemainder(t *testing.T) {
	b, clk := newMockBuffer(t)
	p := newRecordingPersister()
	w := NewWorker(b, p, WorkerOptions{CommitThreshold: 100, EvictionAge: time.Minute})
	k := counter.ClicksKey("ws", "2026-02")
	require.NoError(t, b.Add(k, 7))

	w.runEvictionCycle()
	assert.Equal(t, 1, b.Len())

	clk.Advance(2 * time.Minute)
	p.fail.Store(true)
	w.runEvictionCycle()
	assert.Equal(t, 1, b.Len(), "key kept while its flush fails")

	p.fail.Store(false)
	w.runEvictionCycle()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, int64(7), p.total(k))
}

// TestWorker_StopFlushesEverything runs the real loops and checks Stop
// leaves no goroutines behind and no sub-threshold delta unflushed.
func TestWorker_StopFlushesEverything(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New(nil)
	p := newRecordingPersister()
	w := NewWorker(b, p, WorkerOptions{CommitThreshold: 1_000, CommitInterval: 5 * time.Millisecond})
	w.Start()

	k := counter.ClicksKey("ws", counter.PeriodOf(time.Now()))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = b.Add(k, 1)
			}
		}()
	}
	wg.Wait()
	w.Stop()
	w.Stop()

	assert.Equal(t, int64(800), p.total(k))
}

func TestStorePersister_FlushesToCounterStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := quartz.NewMock(t)
	clk.Set(feb10)
	store := counter.NewStore(client, counter.Options{Clock: clk})

	b := New(clk)
	w := NewWorker(b, NewStorePersister(store), WorkerOptions{CommitThreshold: 1})
	require.NoError(t, b.AddClicks("ws", 3))
	require.NoError(t, b.AddClicks("ws", 4))
	w.runCommitCycle()

	v, err := store.Get(context.Background(), counter.ClicksKey("ws", "2026-02"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
	assert.Greater(t, mr.TTL(string(counter.ClicksKey("ws", "2026-02"))), time.Duration(0))
}

// gatedPersister holds its first CommitBatch call until release is closed.
type gatedPersister struct {
	*recordingPersister
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *gatedPersister) CommitBatch(ctx context.Context, commits []Commit) error {
	first := false
	p.once.Do(func() { first = true })
	if first {
		close(p.entered)
		<-p.release
	}
	return p.recordingPersister.CommitBatch(ctx, commits)
}

// TestWorker_OverlappingCyclesCommitOnce runs a commit cycle and an
// eviction cycle over the same idle key at the same time. The key's
// clicks must reach the persister exactly once.
func TestWorker_OverlappingCyclesCommitOnce(t *testing.T) {
	b, clk := newMockBuffer(t)
	p := &gatedPersister{
		recordingPersister: newRecordingPersister(),
		entered:            make(chan struct{}),
		release:            make(chan struct{}),
	}
	w := NewWorker(b, p, WorkerOptions{
		CommitThreshold: 100,
		CommitMaxAge:    time.Minute,
		EvictionAge:     time.Minute,
	})
	k := counter.ClicksKey("ws", "2026-02")
	require.NoError(t, b.Add(k, 7))
	clk.Advance(2 * time.Minute)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.runCommitCycle()
	}()
	<-p.entered
	go func() {
		defer wg.Done()
		w.runEvictionCycle()
	}()
	time.Sleep(50 * time.Millisecond)
	close(p.release)
	wg.Wait()

	assert.Equal(t, int64(7), p.total(k))
	assert.Equal(t, int64(0), b.Pending(k))
	assert.Equal(t, 0, b.Len())
}

// TestWorker_NegativeDeltaIsNeverSettled checks a delta below zero is left
// pending by every cycle instead of being marked applied.
func TestWorker_NegativeDeltaIsNeverSettled(t *testing.T) {
	b, clk := newMockBuffer(t)
	p := newRecordingPersister()
	w := NewWorker(b, p, WorkerOptions{CommitThreshold: 1, CommitMaxAge: time.Minute, EvictionAge: time.Minute})
	k := counter.ClicksKey("ws", "2026-02")
	require.NoError(t, b.Add(k, 1))
	e, ok := b.load(k)
	require.True(t, ok)
	e.pending.Add(-4)
	clk.Advance(2 * time.Minute)

	w.runCommitCycle()
	w.runEvictionCycle()
	w.runFinalFlush()

	assert.Equal(t, 0, p.batches)
	assert.Equal(t, int64(-3), b.Pending(k))
	assert.Equal(t, 1, b.Len())
}

func TestBuffer_AddRejectsNonPositive(t *testing.T) {
	b, _ := newMockBuffer(t)
	k := counter.ClicksKey("ws", "2026-02")
	assert.Error(t, b.Add(k, 0))
	assert.Error(t, b.Add(k, -2))
	assert.Equal(t, 0, b.Len())
}

func TestStorePersister_RejectsNonPositiveDelta(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := counter.NewStore(client, counter.Options{})
	p := NewStorePersister(store)

	k := counter.LinksKey("ws")
	err := p.CommitBatch(context.Background(), []Commit{{Key: k, Delta: 5}, {Key: counter.MembersKey("ws"), Delta: -1}})
	require.Error(t, err)
	assert.False(t, mr.Exists(string(k)), "nothing from a rejected batch is written")
}
