package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-gateway-auth/internal/testutil"
)

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *testutil.MockTime) {
	t.Helper()
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	r := NewRegistry(cfg, slog.New(slog.DiscardHandler))
	clock := testutil.NewMockTime(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	r.SetClock(clock.Now)
	t.Cleanup(r.Shutdown)
	return r, clock
}

func TestRegistry_Defaults(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	defer r.Shutdown()

	cfg := r.Config()
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultMaxSessions, cfg.MaxSessions)
	assert.Equal(t, DefaultCleanupInterval, cfg.CleanupInterval)
}

func TestRegistry_CreateGetRemove(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	s, err := r.Create("conn-1", map[string]any{"client": "cli"})
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)
	assert.Equal(t, "conn-1", s.Conn)

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, "cli", got.Metadata["client"])
	assert.True(t, r.Has(s.ID))

	assert.True(t, r.Remove(s.ID))
	assert.False(t, r.Remove(s.ID))
	assert.False(t, r.Has(s.ID))
	_, ok = r.Get(s.ID)
	assert.False(t, ok)
}

func TestRegistry_CreateWithID(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	_, err := r.CreateWithID("mcp-1", nil, nil)
	require.NoError(t, err)
	_, err = r.CreateWithID("mcp-1", nil, nil)
	assert.Error(t, err, "duplicate id")
	_, err = r.CreateWithID("", nil, nil)
	assert.Error(t, err, "empty id")
}

func TestRegistry_Capacity(t *testing.T) {
	r, _ := newTestRegistry(t, Config{MaxSessions: 2})

	first, err := r.Create(nil, nil)
	require.NoError(t, err)
	_, err = r.Create(nil, nil)
	require.NoError(t, err)

	_, err = r.Create(nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapacity)
	var capErr *CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 2, capErr.Limit)
	assert.Equal(t, 2, capErr.Current)

	// Existing sessions were not evicted.
	assert.True(t, r.Has(first.ID))

	// Removing one frees exactly one slot.
	require.True(t, r.Remove(first.ID))
	_, err = r.Create(nil, nil)
	require.NoError(t, err)
	_, err = r.Create(nil, nil)
	assert.ErrorIs(t, err, ErrCapacity)

	st := r.Statistics()
	assert.Equal(t, 2, st.Active)
	assert.Equal(t, 2, st.Max)
	assert.Equal(t, int64(3), st.Created)
	assert.Equal(t, int64(1), st.Removed)
	assert.Equal(t, int64(2), st.Rejected)
}

func TestRegistry_LazyExpiry(t *testing.T) {
	r, clock := newTestRegistry(t, Config{Timeout: time.Minute})

	s, err := r.Create(nil, nil)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	assert.True(t, r.Has(s.ID), "exactly at the timeout the session is still live")

	clock.Advance(time.Second)
	assert.False(t, r.Has(s.ID))
	_, ok := r.Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, int64(1), r.Statistics().Expired)
}

func TestRegistry_GetSlidesExpiry(t *testing.T) {
	r, clock := newTestRegistry(t, Config{Timeout: time.Minute})

	s, err := r.Create(nil, nil)
	require.NoError(t, err)

	for range 5 {
		clock.Advance(50 * time.Second)
		got, ok := r.Get(s.ID)
		require.True(t, ok)
		assert.Equal(t, clock.Now(), got.LastActivity)
	}

	// Has does not slide.
	clock.Advance(50 * time.Second)
	require.True(t, r.Has(s.ID))
	clock.Advance(20 * time.Second)
	assert.False(t, r.Has(s.ID))
}

func TestRegistry_Touch(t *testing.T) {
	r, clock := newTestRegistry(t, Config{Timeout: time.Minute})

	s, err := r.Create(nil, nil)
	require.NoError(t, err)
	clock.Advance(50 * time.Second)
	require.NoError(t, r.Touch(s.ID))
	clock.Advance(50 * time.Second)
	assert.True(t, r.Has(s.ID))

	assert.ErrorIs(t, r.Touch("missing"), ErrSessionNotFound)
}

func TestRegistry_ExpiredSessionsFreeCapacity(t *testing.T) {
	r, clock := newTestRegistry(t, Config{Timeout: time.Minute, MaxSessions: 1})

	_, err := r.Create(nil, nil)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	_, err = r.Create(nil, nil)
	assert.NoError(t, err)
}

func TestRegistry_CleanupAndOnExpire(t *testing.T) {
	r, clock := newTestRegistry(t, Config{Timeout: time.Minute})

	var mu sync.Mutex
	var expired []string
	r.OnExpire(func(s *Session) {
		mu.Lock()
		defer mu.Unlock()
		expired = append(expired, s.ID)
	})

	old, err := r.Create(nil, nil)
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	fresh, err := r.Create(nil, nil)
	require.NoError(t, err)
	clock.Advance(45 * time.Second)

	assert.Equal(t, 1, r.Cleanup())
	assert.False(t, r.Has(old.ID))
	assert.True(t, r.Has(fresh.ID))

	mu.Lock()
	assert.Equal(t, []string{old.ID}, expired)
	mu.Unlock()
}

func TestRegistry_CleanupTicker(t *testing.T) {
	r := NewRegistry(Config{Timeout: time.Millisecond, CleanupInterval: 10 * time.Millisecond}, slog.New(slog.DiscardHandler))
	defer r.Shutdown()

	_, err := r.Create(nil, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return r.Statistics().Active == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_ShutdownIdempotent(t *testing.T) {
	r := NewRegistry(Config{}, slog.New(slog.DiscardHandler))
	var closed int
	r.OnExpire(func(*Session) { closed++ })

	_, err := r.Create(nil, nil)
	require.NoError(t, err)

	r.Shutdown()
	r.Shutdown()

	assert.Equal(t, 0, r.Statistics().Active)
	assert.Equal(t, 1, closed)
}

func TestRegistry_ConcurrentCreate(t *testing.T) {
	r, _ := newTestRegistry(t, Config{MaxSessions: 10})

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, rejected int
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Create(nil, nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, ErrCapacity) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, 40, rejected)
	assert.Equal(t, 10, r.Statistics().Active)
}

type fakeClientSession struct {
	id string
}

func (f *fakeClientSession) SessionID() string { return f.id }
func (f *fakeClientSession) Initialize()       {}
func (f *fakeClientSession) Initialized() bool { return true }
func (f *fakeClientSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return make(chan mcp.JSONRPCNotification, 1)
}

func TestRegistry_Hooks(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	hooks := r.Hooks()
	cs := &fakeClientSession{id: "mcp-session-1"}
	ctx := context.Background()

	for _, h := range hooks.OnRegisterSession {
		h(ctx, cs)
	}
	s, ok := r.Get("mcp-session-1")
	require.True(t, ok)
	got, ok := s.ClientSession()
	require.True(t, ok)
	assert.Equal(t, "mcp-session-1", got.SessionID())

	for _, h := range hooks.OnUnregisterSession {
		h(ctx, cs)
	}
	assert.False(t, r.Has("mcp-session-1"))
}
