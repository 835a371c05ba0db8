// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/config"
)

// contractDrivers returns every driver that must satisfy the shared stream
// contract. Blocking-read behavior is exercised against the local driver
// only; miniredis answers BLOCK reads immediately.
func contractDrivers(t *testing.T) map[string]Transport {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return map[string]Transport{
		"local": NewLocal(),
		"redis": NewRedisFromClient(client),
	}
}

func connected(t *testing.T, tr Transport) Transport {
	t.Helper()
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	return tr
}

func TestXAddAssignsIncreasingIDs(t *testing.T) {
	for name, tr := range contractDrivers(t) {
		t.Run(name, func(t *testing.T) {
			tr := connected(t, tr)
			ctx := context.Background()

			var prev entryID
			for i := 0; i < 3; i++ {
				id, err := tr.XAdd(ctx, "s", "*", map[string]string{"n": "v"})
				require.NoError(t, err)
				cur, err := parseEntryID(id)
				require.NoError(t, err)
				assert.True(t, prev.less(cur), "IDs must increase: %v then %v", prev, cur)
				prev = cur
			}

			n, err := tr.XLen(ctx, "s")
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)
		})
	}
}

func TestXAddRejectsEmptyFields(t *testing.T) {
	for name, tr := range contractDrivers(t) {
		t.Run(name, func(t *testing.T) {
			tr := connected(t, tr)
			_, err := tr.XAdd(context.Background(), "s", "*", nil)
			require.Error(t, err)
			assert.True(t, IsKind(err, KindProtocol), "got %v", err)
		})
	}
}

func TestXGroupCreateDuplicateIsDetectable(t *testing.T) {
	for name, tr := range contractDrivers(t) {
		t.Run(name, func(t *testing.T) {
			tr := connected(t, tr)
			ctx := context.Background()

			require.NoError(t, tr.XGroupCreate(ctx, "s", "g", "0", true))
			err := tr.XGroupCreate(ctx, "s", "g", "0", true)
			require.Error(t, err)
			assert.True(t, IsAlreadyExists(err), "duplicate group must be already_exists, got %v", err)
		})
	}
}

func TestXGroupCreateMissingStream(t *testing.T) {
	for name, tr := range contractDrivers(t) {
		t.Run(name, func(t *testing.T) {
			tr := connected(t, tr)
			err := tr.XGroupCreate(context.Background(), "absent", "g", "0", false)
			require.Error(t, err)
			assert.True(t, IsKind(err, KindNotFound), "got %v", err)
		})
	}
}

func TestXReadGroupDeliversAtMostOnce(t *testing.T) {
	for name, tr := range contractDrivers(t) {
		t.Run(name, func(t *testing.T) {
			tr := connected(t, tr)
			ctx := context.Background()

			require.NoError(t, tr.XGroupCreate(ctx, "s", "g", "0", true))
			id1, err := tr.XAdd(ctx, "s", "*", map[string]string{"k": "a"})
			require.NoError(t, err)
			id2, err := tr.XAdd(ctx, "s", "*", map[string]string{"k": "b"})
			require.NoError(t, err)

			msgs, err := tr.XReadGroup(ctx, "g", "c1", "s", 10, 0)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, id1, msgs[0].ID)
			assert.Equal(t, "a", msgs[0].Fields["k"])
			assert.Equal(t, id2, msgs[1].ID)

			again, err := tr.XReadGroup(ctx, "g", "c1", "s", 10, 0)
			require.NoError(t, err)
			assert.Empty(t, again, "delivered entries must not be re-delivered before reclaim")

			acked, err := tr.XAck(ctx, "s", "g", id1, id2)
			require.NoError(t, err)
			assert.Equal(t, int64(2), acked)
		})
	}
}

func TestXReadGroupUnknownGroup(t *testing.T) {
	for name, tr := range contractDrivers(t) {
		t.Run(name, func(t *testing.T) {
			tr := connected(t, tr)
			ctx := context.Background()
			_, err := tr.XAdd(ctx, "s", "*", map[string]string{"k": "v"})
			require.NoError(t, err)

			_, err = tr.XReadGroup(ctx, "nogroup", "c1", "s", 1, 0)
			require.Error(t, err)
			assert.True(t, IsKind(err, KindNotFound), "got %v", err)
		})
	}
}

func TestXAckUnknownIDs(t *testing.T) {
	for name, tr := range contractDrivers(t) {
		t.Run(name, func(t *testing.T) {
			tr := connected(t, tr)
			ctx := context.Background()
			require.NoError(t, tr.XGroupCreate(ctx, "s", "g", "0", true))

			n, err := tr.XAck(ctx, "s", "g", "1-1", "2-2")
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestXRangeBounds(t *testing.T) {
	for name, tr := range contractDrivers(t) {
		t.Run(name, func(t *testing.T) {
			tr := connected(t, tr)
			ctx := context.Background()

			var ids []string
			for _, v := range []string{"a", "b", "c"} {
				id, err := tr.XAdd(ctx, "s", "*", map[string]string{"k": v})
				require.NoError(t, err)
				ids = append(ids, id)
			}

			all, err := tr.XRange(ctx, "s", "-", "+", 0)
			require.NoError(t, err)
			require.Len(t, all, 3)

			capped, err := tr.XRange(ctx, "s", "-", "+", 2)
			require.NoError(t, err)
			assert.Len(t, capped, 2)

			tail, err := tr.XRange(ctx, "s", ids[1], "+", 0)
			require.NoError(t, err)
			require.Len(t, tail, 2)
			assert.Equal(t, "b", tail[0].Fields["k"])
		})
	}
}

func TestDelRemovesStreams(t *testing.T) {
	for name, tr := range contractDrivers(t) {
		t.Run(name, func(t *testing.T) {
			tr := connected(t, tr)
			ctx := context.Background()

			_, err := tr.XAdd(ctx, "s1", "*", map[string]string{"k": "v"})
			require.NoError(t, err)
			_, err = tr.XAdd(ctx, "s2", "*", map[string]string{"k": "v"})
			require.NoError(t, err)

			n, err := tr.Del(ctx, "s1", "s2", "absent")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			length, err := tr.XLen(ctx, "s1")
			require.NoError(t, err)
			assert.Zero(t, length)
		})
	}
}

func TestConnectDisconnectIdempotent(t *testing.T) {
	for name, tr := range contractDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, tr.Connect(ctx))
			require.NoError(t, tr.Connect(ctx))
			require.NoError(t, tr.Disconnect(ctx))
			require.NoError(t, tr.Disconnect(ctx))
		})
	}
}

func TestOperationsRequireConnection(t *testing.T) {
	l := NewLocal()
	_, err := l.XAdd(context.Background(), "s", "*", map[string]string{"k": "v"})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindDisconnected), "got %v", err)
}

func TestLocalBlockingReadWakesOnAdd(t *testing.T) {
	l := connected(t, NewLocal()).(*Local)
	ctx := context.Background()
	require.NoError(t, l.XGroupCreate(ctx, "s", "g", "0", true))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = l.XAdd(ctx, "s", "*", map[string]string{"k": "v"})
	}()

	start := time.Now()
	msgs, err := l.XReadGroup(ctx, "g", "c1", "s", 1, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Less(t, time.Since(start), time.Second, "reader must wake on add, not wait out the block")
}

func TestLocalBlockingReadTimesOutEmpty(t *testing.T) {
	l := connected(t, NewLocal()).(*Local)
	ctx := context.Background()
	require.NoError(t, l.XGroupCreate(ctx, "s", "g", "0", true))

	start := time.Now()
	msgs, err := l.XReadGroup(ctx, "g", "c1", "s", 1, 40*time.Millisecond)
	require.NoError(t, err, "block expiry is empty, not an error")
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestLocalDisconnectWakesBlockedReader(t *testing.T) {
	l := connected(t, NewLocal()).(*Local)
	ctx := context.Background()
	require.NoError(t, l.XGroupCreate(ctx, "s", "g", "0", true))

	errCh := make(chan error, 1)
	go func() {
		_, err := l.XReadGroup(ctx, "g", "c1", "s", 1, 5*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Disconnect(ctx))

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, IsKind(err, KindDisconnected), "got %v", err)
		assert.True(t, IsRetriableRead(err), "connection loss during BLOCK must be retriable")
	case <-time.After(time.Second):
		t.Fatal("blocked reader was not woken by disconnect")
	}
}

func TestLocalPendingAndClaim(t *testing.T) {
	l := connected(t, NewLocal()).(*Local)
	ctx := context.Background()
	require.NoError(t, l.XGroupCreate(ctx, "s", "g", "0", true))

	id, err := l.XAdd(ctx, "s", "*", map[string]string{"k": "v"})
	require.NoError(t, err)

	msgs, err := l.XReadGroup(ctx, "g", "c1", "s", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	pending, err := l.XPending(ctx, "s", "g", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, "c1", pending[0].Consumer)
	assert.Equal(t, int64(1), pending[0].DeliveryCount)

	claimed, err := l.XClaim(ctx, "s", "g", "c2", 0, id)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "v", claimed[0].Fields["k"])

	pending, err = l.XPending(ctx, "s", "g", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c2", pending[0].Consumer)
	assert.Equal(t, int64(2), pending[0].DeliveryCount)

	// A claim below min-idle leaves the entry with its current owner.
	unclaimed, err := l.XClaim(ctx, "s", "g", "c3", time.Hour, id)
	require.NoError(t, err)
	assert.Empty(t, unclaimed)
}

func TestLocalXInfoGroups(t *testing.T) {
	l := connected(t, NewLocal()).(*Local)
	ctx := context.Background()

	require.NoError(t, l.XGroupCreate(ctx, "s", "g1", "0", true))
	require.NoError(t, l.XGroupCreate(ctx, "s", "g2", "$", false))
	_, err := l.XAdd(ctx, "s", "*", map[string]string{"k": "v"})
	require.NoError(t, err)
	_, err = l.XReadGroup(ctx, "g1", "c1", "s", 1, 0)
	require.NoError(t, err)

	groups, err := l.XInfoGroups(ctx, "s")
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "g1", groups[0].Name)
	assert.Equal(t, int64(1), groups[0].Pending)
	assert.Equal(t, "g2", groups[1].Name)
	assert.Equal(t, int64(0), groups[1].Pending)
}

func TestLocalExplicitIDs(t *testing.T) {
	l := connected(t, NewLocal()).(*Local)
	ctx := context.Background()

	id, err := l.XAdd(ctx, "s", "5-1", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "5-1", id)

	_, err = l.XAdd(ctx, "s", "5-1", map[string]string{"k": "v"})
	require.Error(t, err, "non-increasing explicit ID must be rejected")
	assert.True(t, IsKind(err, KindProtocol), "got %v", err)

	_, err = l.XAdd(ctx, "s", "4-0", map[string]string{"k": "v"})
	require.Error(t, err)
}

func TestNewSelectsDriver(t *testing.T) {
	tests := []struct {
		typ     string
		url     string
		wantErr bool
	}{
		{typ: "local"},
		{typ: "redis", url: "redis://localhost:6379/0"},
		{typ: "nats", url: "nats://localhost:4222"},
		{typ: "kafka", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			tr, err := New(&config.TransportConfig{Type: tt.typ, BrokerURL: tt.url})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, tr)
		})
	}
}
