package pairing

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore() (*MemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	return NewMemoryStore(Options{Now: clock.Now}), clock
}

func TestUpsertRequestIsIdempotent(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore()
	ctx := context.Background()
	first, created, err := store.UpsertRequest(ctx, "telegram", "42", map[string]string{"username": "alice"})
	require.NoError(t, err)
	require.True(t, created)
	require.Len(t, first.Code, CodeLength)

	second, created, err := store.UpsertRequest(ctx, "telegram", "42", nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, "alice", second.Meta["username"])
}

func TestGenerateCodeUsesAlphabet(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		require.Len(t, code, CodeLength)
		for _, r := range code {
			if !strings.ContainsRune(CodeAlphabet, r) {
				t.Fatalf("code %q contains %q outside alphabet", code, r)
			}
		}
	}
}

func TestUpsertRequestQueueFull(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore()
	ctx := context.Background()
	for _, sender := range []string{"a", "b", "c"} {
		_, created, err := store.UpsertRequest(ctx, "matrix", sender, nil)
		require.NoError(t, err)
		require.True(t, created)
	}
	req, created, err := store.UpsertRequest(ctx, "matrix", "d", nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, req.Code)

	// Other channels have their own queue.
	_, created, err = store.UpsertRequest(ctx, "telegram", "d", nil)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRequestsExpire(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore()
	ctx := context.Background()
	first, _, err := store.UpsertRequest(ctx, "telegram", "42", nil)
	require.NoError(t, err)

	clock.Advance(DefaultTTL)
	list, err := store.List(ctx, "telegram")
	require.NoError(t, err)
	assert.Empty(t, list)

	second, created, err := store.UpsertRequest(ctx, "telegram", "42", nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, second.CreatedAt.After(first.CreatedAt))

	_, err = store.Approve(ctx, "telegram", first.Code)
	if first.Code != second.Code {
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestApproveMovesSenderToAllowFrom(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore()
	ctx := context.Background()
	req, _, err := store.UpsertRequest(ctx, "telegram", "42", nil)
	require.NoError(t, err)

	approved, err := store.Approve(ctx, "telegram", strings.ToLower(req.Code))
	require.NoError(t, err)
	assert.Equal(t, "42", approved.SenderID)

	allow, err := store.ReadAllowFrom(ctx, "telegram")
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, allow)

	pending, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)

	clock.Advance(time.Minute)
	require.NoError(t, store.Touch(ctx, "telegram", "42"))
	seen, ok := store.LastSeen("telegram", "42")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), seen)

	_, err = store.Approve(ctx, "telegram", req.Code)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPruneExpired(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore()
	ctx := context.Background()
	_, _, err := store.UpsertRequest(ctx, "telegram", "1", nil)
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)
	_, _, err = store.UpsertRequest(ctx, "telegram", "2", nil)
	require.NoError(t, err)
	clock.Advance(45 * time.Minute)

	removed, err := store.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	list, err := store.List(ctx, "telegram")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "2", list[0].SenderID)
}

func TestSweeperRejectsBadSpec(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore()
	_, err := NewSweeper(nil, store, "not a schedule")
	require.Error(t, err)

	sweeper, err := NewSweeper(nil, store, "")
	require.NoError(t, err)
	sweeper.Sweep()
}
