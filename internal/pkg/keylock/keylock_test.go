package keylock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestLockSerializesSameKey(t *testing.T) {
	defer goleak.VerifyNone(t)

	kl := New()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := kl.Lock(ctx, "doc-1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, kl.Held())
}

func TestLockDifferentKeysIndependent(t *testing.T) {
	kl := New()
	ctx := context.Background()

	unlockA, err := kl.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := kl.Lock(ctx, "b")
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestLockRespectsContext(t *testing.T) {
	kl := New()
	unlock, err := kl.Lock(context.Background(), "s")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = kl.Lock(ctx, "s")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 重复释放无副作用
	unlock()
	unlock()
	assert.Equal(t, 0, kl.Held())
}
