// ABOUTME: Tests for Batcher size, delay, manual and close-triggered flushes
// ABOUTME: Verifies FIFO delivery under concurrent adds and rejection after close

package batch

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink collects delivered items.
type recordingSink struct {
	mu    sync.Mutex
	items []string
}

func (r *recordingSink) sink(item string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	return nil
}

func (r *recordingSink) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.items))
	copy(out, r.items)
	return out
}

func TestBatcher_SizeThresholdFlushesImmediately(t *testing.T) {
	rec := &recordingSink{}
	b := New(rec.sink, Config{Size: 3, Delay: time.Hour, AutoFlush: true})
	defer b.Close()

	require.NoError(t, b.Add("a"))
	require.NoError(t, b.Add("b"))
	assert.Empty(t, rec.snapshot())

	require.NoError(t, b.Add("c"))
	assert.Equal(t, []string{"a", "b", "c"}, rec.snapshot())
	assert.Equal(t, 0, b.Len())
}

func TestBatcher_DelayFlush(t *testing.T) {
	rec := &recordingSink{}
	b := New(rec.sink, Config{Size: 100, Delay: 50 * time.Millisecond, AutoFlush: true})
	defer b.Close()

	require.NoError(t, b.Add("x"))
	require.NoError(t, b.Add("y"))
	assert.Empty(t, rec.snapshot(), "items must remain buffered at t=0")

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, 100*time.Millisecond+50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []string{"x", "y"}, rec.snapshot())
}

func TestBatcher_NoAutoFlushWaitsForManualFlush(t *testing.T) {
	rec := &recordingSink{}
	b := New(rec.sink, Config{Size: 10, Delay: 5 * time.Millisecond})
	defer b.Close()

	require.NoError(t, b.Add("only"))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	require.NoError(t, b.Flush())
	assert.Equal(t, []string{"only"}, rec.snapshot())
}

func TestBatcher_FlushEmptyIsNoop(t *testing.T) {
	var calls atomic.Int32
	b := New(func(string) error { return nil }, Config{Size: 2},
		WithAfterFlush(func() error { calls.Add(1); return nil }))
	require.NoError(t, b.Flush())
	require.NoError(t, b.Close())
	assert.Equal(t, int32(0), calls.Load())
}

func TestBatcher_CloseFlushesOnceAndRejectsAdds(t *testing.T) {
	rec := &recordingSink{}
	b := New(rec.sink, Config{Size: 10, Delay: time.Hour, AutoFlush: true})

	require.NoError(t, b.Add("1"))
	require.NoError(t, b.Add("2"))

	require.NoError(t, b.Close())
	assert.Equal(t, []string{"1", "2"}, rec.snapshot())

	assert.ErrorIs(t, b.Add("3"), ErrClosed)
	require.NoError(t, b.Close())
	assert.Equal(t, []string{"1", "2"}, rec.snapshot(), "second close must not redeliver")
	assert.True(t, b.Closed())
}

func TestBatcher_CloseCancelsTimer(t *testing.T) {
	var flushes atomic.Int32
	b := New(func(string) error { return nil }, Config{Size: 10, Delay: 20 * time.Millisecond, AutoFlush: true},
		WithObserver(func(int, error) { flushes.Add(1) }))

	require.NoError(t, b.Add("a"))
	require.NoError(t, b.Close())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), flushes.Load())
}

func TestBatcher_ConcurrentAddsPreserveOrderPerProducer(t *testing.T) {
	rec := &recordingSink{}
	b := New(rec.sink, Config{Size: 7, Delay: time.Millisecond, AutoFlush: true})

	const producers = 8
	const perProducer = 200

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				assert.NoError(t, b.Add(fmt.Sprintf("%d:%04d", p, i)))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, b.Close())

	items := rec.snapshot()
	require.Len(t, items, producers*perProducer)

	last := make(map[string]string)
	for _, item := range items {
		p, seq := item[:1], item[2:]
		if prev, ok := last[p]; ok {
			assert.Less(t, prev, seq, "producer %s delivered out of order", p)
		}
		last[p] = seq
	}
}

func TestBatcher_SinkErrorsAreJoinedAndDeliveryContinues(t *testing.T) {
	boom := errors.New("boom")
	var delivered []int
	b := New(func(n int) error {
		delivered = append(delivered, n)
		if n == 2 {
			return boom
		}
		return nil
	}, Config{Size: 3})

	require.NoError(t, b.Add(1))
	require.NoError(t, b.Add(2))
	err := b.Add(3)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{1, 2, 3}, delivered)
}

func TestBatcher_TimerErrorsGoToHandler(t *testing.T) {
	boom := errors.New("write failed")
	errCh := make(chan error, 1)
	b := New(func(string) error { return boom }, Config{Size: 10, Delay: 5 * time.Millisecond, AutoFlush: true},
		WithErrorHandler(func(err error) { errCh <- err }))
	defer b.Close()

	require.NoError(t, b.Add("a"))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("timer flush error not reported")
	}
}

func TestBatcher_AfterFlushAndObserver(t *testing.T) {
	var after atomic.Int32
	var observed []int
	var mu sync.Mutex
	b := New(func(string) error { return nil }, Config{Size: 2},
		WithAfterFlush(func() error { after.Add(1); return nil }),
		WithObserver(func(n int, err error) {
			mu.Lock()
			defer mu.Unlock()
			observed = append(observed, n)
		}))

	require.NoError(t, b.Add("a"))
	require.NoError(t, b.Add("b"))
	require.NoError(t, b.Add("c"))
	require.NoError(t, b.Close())

	assert.Equal(t, int32(2), after.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{2, 1}, observed)
}

func TestBatcher_Defaults(t *testing.T) {
	b := New(func(string) error { return nil }, Config{})
	assert.Equal(t, DefaultSize, b.cfg.Size)
	assert.Equal(t, DefaultDelay, b.cfg.Delay)
}
