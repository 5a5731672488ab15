package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSessions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_, err := m.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	body := []byte(`{"sessionId":"s1"}`)
	require.NoError(t, m.PutSession(ctx, SessionDocument{SessionID: "s1", UserID: "u1", LastModifiedAt: at, Body: body}))
	body[2] = 'X'

	got, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, `{"sessionId":"s1"}`, string(got.Body), "stored body must not alias the caller's")
	assert.True(t, got.LastModifiedAt.Equal(at))
	assert.Equal(t, 1, m.SessionPuts())

	// Overwrite is unconditional.
	require.NoError(t, m.PutSession(ctx, SessionDocument{SessionID: "s1", LastModifiedAt: at.Add(-time.Hour), Body: body}))
	got, err = m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.LastModifiedAt.Equal(at.Add(-time.Hour)))
}

func TestMemoryStoreFailure(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.PutCase(ctx, CaseDocument{CaseID: "b"}))
	require.NoError(t, m.PutCase(ctx, CaseDocument{CaseID: "a"}))

	docs, err := m.FetchCases(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].CaseID)

	offline := errors.New("connection refused")
	m.FailWith(offline)
	_, err = m.FetchCases(ctx)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "memory", te.Driver)
	assert.ErrorIs(t, err, offline)
	assert.True(t, IsTransport(err))
	assert.Error(t, m.PutSession(ctx, SessionDocument{SessionID: "s1"}))
	assert.Zero(t, m.SessionPuts())

	m.FailWith(nil)
	_, err = m.FetchCases(ctx)
	assert.NoError(t, err)
}

func TestMemoryFeed(t *testing.T) {
	ctx := context.Background()
	f := NewMemoryFeed()
	defer f.Close()

	ch, cancel, err := f.Subscribe(ctx, "s1")
	require.NoError(t, err)
	other, cancelOther, err := f.Subscribe(ctx, "s2")
	require.NoError(t, err)
	defer cancelOther()

	require.NoError(t, f.Publish(ctx, Change{DeviceID: "d1", Session: SessionDocument{SessionID: "s1"}}))

	select {
	case c := <-ch:
		assert.Equal(t, "d1", c.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("change not delivered")
	}
	select {
	case c := <-other:
		t.Fatalf("unrelated subscriber received %+v", c)
	default:
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open, "channel must be closed after cancel")
}

func TestMemoryFeedContextCancel(t *testing.T) {
	ctx, stop := context.WithCancel(context.Background())
	f := NewMemoryFeed()
	ch, _, err := f.Subscribe(ctx, "s1")
	require.NoError(t, err)
	stop()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}

func TestFactory(t *testing.T) {
	ctx := context.Background()

	s, err := NewStore(ctx, DriverMemory)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = NewStore(ctx, "dynamo")
	assert.ErrorIs(t, err, ErrInvalidDriver)

	_, err = NewStore(ctx, DriverPostgres)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewStore(ctx, DriverSupabase, WithSupabase("", "key"))
	assert.Error(t, err)

	feed, err := NewFeed(FeedNone)
	require.NoError(t, err)
	assert.Nil(t, feed)

	_, err = NewFeed(FeedRedis)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewFeed(FeedRedis, WithRedisURL("not a url"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	feed, err = NewFeed(FeedRedis, WithRedisURL("redis://localhost:6379/0"))
	require.NoError(t, err)
	assert.NoError(t, feed.Close())
}

func TestOffline(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("connection refused")
	s := Offline(DriverPostgres, cause)

	_, err := s.FetchCases(ctx)
	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, cause)

	err = s.PutSession(ctx, SessionDocument{SessionID: "s1"})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "postgres", te.Driver)
	assert.Equal(t, "put session", te.Op)

	_, err = s.GetSession(ctx, "s1")
	assert.True(t, IsTransport(err))
	assert.NoError(t, s.Close())
}

func TestSessionChannel(t *testing.T) {
	assert.Equal(t, "medsim:session:abc", SessionChannel("abc"))
}
