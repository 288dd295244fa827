package janitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokend/internal/lib/handlers/slogdiscard"
	"tokend/internal/storage/memory"
	"tokend/internal/storage/storagetest"
)

type deleterFunc func(ctx context.Context, before time.Time) (int64, error)

func (f deleterFunc) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return f(ctx, before)
}

func TestSweep_RespectsRetention(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	old := storagetest.NewRecord(time.Minute)
	fresh := storagetest.NewRecord(3 * time.Hour)
	require.NoError(t, store.Put(ctx, old))
	require.NoError(t, store.Put(ctx, fresh))

	j := New(slogdiscard.NewDiscardLogger(), store, nil, time.Minute, time.Hour, time.Second)
	j.now = func() time.Time { return storagetest.Epoch.Add(2 * time.Hour) }

	n, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = store.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestSweep_Error(t *testing.T) {
	boom := errors.New("boom")
	j := New(slogdiscard.NewDiscardLogger(), deleterFunc(func(context.Context, time.Time) (int64, error) {
		return 0, boom
	}), nil, time.Minute, 0, 0)

	_, err := j.Sweep(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestStartStop(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	swept := make(chan struct{}, 1)

	j := New(slogdiscard.NewDiscardLogger(), deleterFunc(func(context.Context, time.Time) (int64, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		select {
		case swept <- struct{}{}:
		default:
		}
		return 0, nil
	}), nil, 5*time.Millisecond, time.Hour, time.Second)

	j.Start()

	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not sweep")
	}

	j.Stop()

	mu.Lock()
	assert.Positive(t, calls)
	mu.Unlock()
}
