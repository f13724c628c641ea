package pairing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSweeperRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore()
	if _, err := NewSweeper(nil, store, "not a schedule"); err == nil {
		t.Fatalf("expected schedule parse error")
	}
}

func TestSweepDropsExpiredRequests(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore()
	ctx := context.Background()
	_, created, err := store.UpsertRequest(ctx, "telegram", "1", nil)
	require.NoError(t, err)
	require.True(t, created)

	sweeper, err := NewSweeper(nil, store, "")
	require.NoError(t, err)

	sweeper.Sweep()
	items, err := store.List(ctx, "telegram")
	require.NoError(t, err)
	require.Len(t, items, 1)

	clock.Advance(DefaultTTL + time.Second)
	sweeper.Sweep()
	removed, err := store.PruneExpired(ctx)
	require.NoError(t, err)
	if removed != 0 {
		t.Fatalf("expected sweep to have removed the request, %d left", removed)
	}

	sweeper.Start()
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, sweeper.Stop(stopCtx))
}
