package cooldown

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	k1 = Key{OrgID: "org-1", RuleID: "rule-1", ContactID: "contact-1"}
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisStore(client, "")
		},
	}
}

func TestStoreWindow(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			window := 24 * time.Hour

			ok, err := s.TryAcquire(ctx, k1, window, t0)
			require.NoError(t, err)
			assert.True(t, ok, "first firing should acquire")

			for _, at := range []time.Time{t0, t0.Add(time.Hour), t0.Add(window - time.Millisecond)} {
				eligible, err := s.IsEligible(ctx, k1, window, at)
				require.NoError(t, err)
				assert.False(t, eligible, "eligible at %s", at.Sub(t0))

				ok, err := s.TryAcquire(ctx, k1, window, at)
				require.NoError(t, err)
				assert.False(t, ok, "acquired at %s", at.Sub(t0))
			}

			eligible, err := s.IsEligible(ctx, k1, window, t0.Add(window))
			require.NoError(t, err)
			assert.True(t, eligible)

			ok, err = s.TryAcquire(ctx, k1, window, t0.Add(window))
			require.NoError(t, err)
			assert.True(t, ok)

			last, found, err := s.LastFired(ctx, k1)
			require.NoError(t, err)
			assert.True(t, found)
			assert.True(t, last.Equal(t0.Add(window)), "last fired = %s", last)
		})
	}
}

func TestStoreKeysAreIndependent(t *testing.T) {
	others := map[string]Key{
		"other contact": {OrgID: "org-1", RuleID: "rule-1", ContactID: "contact-2"},
		"other rule":    {OrgID: "org-1", RuleID: "rule-2", ContactID: "contact-1"},
		"other org":     {OrgID: "org-2", RuleID: "rule-1", ContactID: "contact-1"},
	}

	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			ok, err := s.TryAcquire(ctx, k1, time.Hour, t0)
			require.NoError(t, err)
			require.True(t, ok)

			for desc, k := range others {
				ok, err := s.TryAcquire(ctx, k, time.Hour, t0)
				require.NoError(t, err)
				assert.True(t, ok, desc)
			}
		})
	}
}

func TestStoreSeparatorInIDsDoesNotCollide(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			ok, err := s.TryAcquire(ctx, Key{OrgID: "org", RuleID: "rule:a", ContactID: "c1"}, time.Hour, t0)
			require.NoError(t, err)
			require.True(t, ok)

			for _, k := range []Key{
				{OrgID: "org", RuleID: "rule", ContactID: "a:c1"},
				{OrgID: "org:rule", RuleID: "a", ContactID: "c1"},
			} {
				ok, err := s.TryAcquire(ctx, k, time.Hour, t0)
				require.NoError(t, err)
				assert.True(t, ok, "%+v must not share a record with rule:a/c1", k)
			}
		})
	}
}

func TestStoreZeroWindowAlwaysEligible(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			for i := 0; i < 3; i++ {
				ok, err := s.TryAcquire(ctx, k1, 0, t0)
				require.NoError(t, err)
				assert.True(t, ok)
			}
		})
	}
}

func TestStoreResetAndRecord(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			require.NoError(t, s.Reset(ctx, k1), "reset of a missing key")

			require.NoError(t, s.RecordFiring(ctx, k1, t0))
			eligible, err := s.IsEligible(ctx, k1, time.Hour, t0.Add(time.Minute))
			require.NoError(t, err)
			assert.False(t, eligible)

			require.NoError(t, s.Reset(ctx, k1))
			_, found, err := s.LastFired(ctx, k1)
			require.NoError(t, err)
			assert.False(t, found)

			ok, err := s.TryAcquire(ctx, k1, time.Hour, t0.Add(time.Minute))
			require.NoError(t, err)
			assert.True(t, ok, "reset key should be eligible again")
		})
	}
}

func TestStoreConcurrentAcquireYieldsOneWinner(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			const n = 50
			var (
				wg   sync.WaitGroup
				wins atomic.Int32
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := s.TryAcquire(ctx, k1, 24*time.Hour, t0)
					if err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	s := NewRedisStore(client, "test")
	mr.Close()

	ok, err := s.TryAcquire(context.Background(), k1, time.Hour, t0)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = s.IsEligible(context.Background(), k1, time.Hour, t0)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRedisStoreKeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := NewRedisStore(client, "pulse")
	require.NoError(t, s.RecordFiring(context.Background(), k1, t0))

	assert.True(t, mr.Exists("pulse:5:6:org-1:rule-1:contact-1"))
}

func TestEligible(t *testing.T) {
	tests := []struct {
		name   string
		found  bool
		window time.Duration
		now    time.Time
		want   bool
	}{
		{"never fired", false, time.Hour, t0, true},
		{"inside window", true, time.Hour, t0.Add(59 * time.Minute), false},
		{"at boundary", true, time.Hour, t0.Add(time.Hour), true},
		{"no window", true, 0, t0, true},
		{"clock behind", true, time.Hour, t0.Add(-time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Eligible(t0, tt.found, tt.window, tt.now))
		})
	}
}
