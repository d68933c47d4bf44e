package redisstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/subscriber"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestSubscribers_SaveGetFind(t *testing.T) {
	store := NewSubscribers(newTestClient(t))
	ctx := context.Background()
	loc := domain.Point{Lat: 41, Lon: 29}
	sub := domain.Subscriber{
		DeviceID: "phone",
		Token:    "tok-1",
		Channel:  domain.ChannelFCM,
		Active:   true,
		Settings: domain.Settings{MinMagnitude: 4, Location: &loc, CityFilter: []string{"istanbul"}},
	}

	require.NoError(t, store.Save(ctx, sub))

	got, err := store.Get(ctx, "phone")
	require.NoError(t, err)
	assert.Equal(t, sub.Settings, got.Settings)

	byToken, err := store.FindByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "phone", byToken.DeviceID)

	_, err = store.Get(ctx, "tablet")
	assert.ErrorIs(t, err, subscriber.ErrNotFound)
}

func TestSubscribers_TokenRotationDropsOldIndex(t *testing.T) {
	store := NewSubscribers(newTestClient(t))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, domain.Subscriber{DeviceID: "phone", Token: "old"}))
	require.NoError(t, store.Save(ctx, domain.Subscriber{DeviceID: "phone", Token: "new"}))

	_, err := store.FindByToken(ctx, "old")
	assert.ErrorIs(t, err, subscriber.ErrNotFound)
	got, err := store.FindByToken(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "phone", got.DeviceID)
}

func TestSubscribers_ConcurrentRotationKeepsOneIndexEntry(t *testing.T) {
	rdb := newTestClient(t)
	store := NewSubscribers(rdb)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, domain.Subscriber{DeviceID: "phone", Token: "tok-0"}))

	var g errgroup.Group
	for i := 1; i <= 8; i++ {
		g.Go(func() error {
			return store.Save(ctx, domain.Subscriber{DeviceID: "phone", Token: fmt.Sprintf("tok-%d", i)})
		})
	}
	require.NoError(t, g.Wait())

	index, err := rdb.HGetAll(ctx, tokensKey).Result()
	require.NoError(t, err)
	require.Len(t, index, 1, "every replaced token is dropped from the index")
	got, err := store.Get(ctx, "phone")
	require.NoError(t, err)
	assert.Equal(t, "phone", index[got.Token])
}

func TestSubscribers_ListAndDelete(t *testing.T) {
	store := NewSubscribers(newTestClient(t))
	ctx := context.Background()
	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, store.Save(ctx, domain.Subscriber{DeviceID: id, Token: "tok-" + id}))
	}

	require.NoError(t, store.Delete(ctx, "b"))
	require.NoError(t, store.Delete(ctx, "missing"))

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].DeviceID)
	assert.Equal(t, "c", all[1].DeviceID)
	_, err = store.FindByToken(ctx, "tok-b")
	assert.ErrorIs(t, err, subscriber.ErrNotFound)
}

func TestReports_SinceAndPrune(t *testing.T) {
	store := NewReports(newTestClient(t))
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	loc := &domain.Point{Lat: 38, Lon: 27}

	add := func(device string, at time.Time) {
		t.Helper()
		r := domain.SeismicReport{DeviceID: device, Timestamp: at, MagnitudeEstimate: 2.5, Location: loc, ReceivedAt: at}
		require.NoError(t, store.Add(ctx, r, at.Add(-2*time.Minute)))
	}
	add("a", base)
	add("b", base.Add(90*time.Second))
	add("c", base.Add(3*time.Minute))

	all, err := store.Since(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2, "a was pruned when c arrived")
	assert.Equal(t, "b", all[0].DeviceID)

	recent, err := store.Since(ctx, base.Add(150*time.Second))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "c", recent[0].DeviceID)
	assert.Equal(t, 2.5, recent[0].MagnitudeEstimate)
}
