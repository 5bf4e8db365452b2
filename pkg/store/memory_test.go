package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	saltlog "saltapi/internal/log"
	"saltapi/pkg/model"
)

func newMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	m := NewMemoryStore(saltlog.Nop(), map[string][]string{"webs": {"web*"}})
	for _, n := range testNodes() {
		require.NoError(t, m.RegisterNode(context.Background(), n))
	}
	return m
}

func recvBatch(t *testing.T, ch <-chan []*model.Return) []*model.Return {
	t.Helper()
	select {
	case batch, ok := <-ch:
		require.True(t, ok, "return stream closed")
		return batch
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for returns")
	}
	return nil
}

func TestMemoryPublishMatchesAndBroadcasts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newMemoryStore(t)
	events := m.WatchJobs(ctx)

	pub, err := m.Publish(ctx, &model.Job{Tgt: "webs", TgtType: model.TgtNodegroup, Fun: model.Fun("test.ping")})
	require.NoError(t, err)
	assert.Len(t, pub.JID, 20)
	assert.Equal(t, []string{"web1", "web2"}, pub.Minions)
	assert.Positive(t, pub.Revision)

	select {
	case ev := <-events:
		assert.Equal(t, JobCreate, ev.Type)
		assert.Equal(t, pub.JID, ev.Job.JID)
		assert.Equal(t, []string{"web1", "web2"}, ev.Job.Minions)
	case <-time.After(time.Second):
		t.Fatal("no job event")
	}

	job, err := m.GetJob(ctx, pub.JID)
	require.NoError(t, err)
	assert.Equal(t, "test.ping", job.Fun.String())
}

func TestMemoryPublishWithoutMatchStillAssignsJID(t *testing.T) {
	m := newMemoryStore(t)
	pub, err := m.Publish(context.Background(), &model.Job{Tgt: "mail*", Fun: model.Fun("test.ping")})
	require.NoError(t, err)
	assert.NotEmpty(t, pub.JID)
	assert.Empty(t, pub.Minions)
}

func TestMemoryPublishUniqueJIDs(t *testing.T) {
	m := newMemoryStore(t)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		pub, err := m.Publish(context.Background(), &model.Job{Tgt: "*", Fun: model.Fun("test.ping")})
		require.NoError(t, err)
		assert.False(t, seen[pub.JID], "duplicate jid %s", pub.JID)
		seen[pub.JID] = true
	}
}

func TestMemoryPublishExplicitJID(t *testing.T) {
	m := newMemoryStore(t)
	job := func() *model.Job {
		return &model.Job{JID: "20240101000000000000", Tgt: "*", Fun: model.Fun("test.ping")}
	}
	pub, err := m.Publish(context.Background(), job())
	require.NoError(t, err)
	assert.Equal(t, "20240101000000000000", pub.JID)

	_, err = m.Publish(context.Background(), job())
	assert.ErrorIs(t, err, ErrJIDExists)
}

func TestMemoryPublishUnsupportedMatch(t *testing.T) {
	m := newMemoryStore(t)
	_, err := m.Publish(context.Background(), &model.Job{Tgt: "x", TgtType: model.TgtCompound, Fun: model.Fun("test.ping")})
	assert.ErrorIs(t, err, ErrUnsupportedMatch)
}

func TestMemoryPublishCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newMemoryStore(t).Publish(ctx, &model.Job{Tgt: "*", Fun: model.Fun("test.ping")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemorySaveReturnRequiresJob(t *testing.T) {
	err := newMemoryStore(t).SaveReturn(context.Background(), &model.Return{ID: "web1", JID: "nope"})
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = newMemoryStore(t).GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryWatchReturnsReplaysBacklog(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newMemoryStore(t)

	pub, err := m.Publish(ctx, &model.Job{Tgt: "web*", Fun: model.Fun("test.ping")})
	require.NoError(t, err)

	// 订阅之前就到了的返回
	require.NoError(t, m.SaveReturn(ctx, &model.Return{ID: "web1", JID: pub.JID, Return: true}))

	returns := m.WatchReturns(ctx, pub.JID, pub.Revision)
	batch := recvBatch(t, returns)
	require.Len(t, batch, 1)
	assert.Equal(t, "web1", batch[0].ID)

	require.NoError(t, m.SaveReturn(ctx, &model.Return{ID: "web2", JID: pub.JID, Return: true}))
	batch = recvBatch(t, returns)
	require.Len(t, batch, 1)
	assert.Equal(t, "web2", batch[0].ID)
}

func TestMemoryWatchReturnsIsolatedPerJID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newMemoryStore(t)

	a, err := m.Publish(ctx, &model.Job{Tgt: "*", Fun: model.Fun("test.ping")})
	require.NoError(t, err)
	b, err := m.Publish(ctx, &model.Job{Tgt: "*", Fun: model.Fun("test.ping")})
	require.NoError(t, err)

	returnsA := m.WatchReturns(ctx, a.JID, a.Revision)
	require.NoError(t, m.SaveReturn(ctx, &model.Return{ID: "web1", JID: b.JID, Return: "b"}))
	require.NoError(t, m.SaveReturn(ctx, &model.Return{ID: "web1", JID: a.JID, Return: "a"}))

	batch := recvBatch(t, returnsA)
	require.Len(t, batch, 1)
	assert.Equal(t, "a", batch[0].Return)
}

func TestMemoryWatchReturnsClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := newMemoryStore(t)
	pub, err := m.Publish(ctx, &model.Job{Tgt: "*", Fun: model.Fun("test.ping")})
	require.NoError(t, err)

	returns := m.WatchReturns(ctx, pub.JID, pub.Revision)
	cancel()

	select {
	case _, ok := <-returns:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}
}

func TestMemoryGetReturnsLatestPerMinion(t *testing.T) {
	ctx := context.Background()
	m := newMemoryStore(t)
	pub, err := m.Publish(ctx, &model.Job{Tgt: "*", Fun: model.Fun("test.ping")})
	require.NoError(t, err)

	require.NoError(t, m.SaveReturn(ctx, &model.Return{ID: "web2", JID: pub.JID, Return: 1}))
	require.NoError(t, m.SaveReturn(ctx, &model.Return{ID: "web1", JID: pub.JID, Return: 1}))
	require.NoError(t, m.SaveReturn(ctx, &model.Return{ID: "web2", JID: pub.JID, Return: 2}))

	rets, err := m.GetReturns(ctx, pub.JID)
	require.NoError(t, err)
	require.Len(t, rets, 2)
	assert.Equal(t, "web1", rets[0].ID)
	assert.Equal(t, "web2", rets[1].ID)
	assert.Equal(t, 2, rets[1].Return)
}

func TestMemoryListNodesSorted(t *testing.T) {
	nodes, err := newMemoryStore(t).ListNodes(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"db1", "web1", "web2", "web3"}, ids)
}

func TestMemoryPublishStripsAuth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newMemoryStore(t)
	events := m.WatchJobs(ctx)

	pub, err := m.Publish(ctx, &model.Job{
		Tgt:  "web1",
		Fun:  model.Fun("test.ping"),
		Auth: map[string]any{"username": "saltdev", "password": "s3cret"},
	})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Nil(t, ev.Job.Auth)
	case <-time.After(time.Second):
		t.Fatal("no job event")
	}
	job, err := m.GetJob(ctx, pub.JID)
	require.NoError(t, err)
	assert.Nil(t, job.Auth)
}

func TestMemoryWatchReturnsKeepsEveryReturnUnderBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newMemoryStore(t)
	pub, err := m.Publish(ctx, &model.Job{Tgt: "*", Fun: model.Fun("test.ping")})
	require.NoError(t, err)

	returns := m.WatchReturns(ctx, pub.JID, pub.Revision)
	const n = 2000
	for i := 0; i < n; i++ {
		require.NoError(t, m.SaveReturn(ctx, &model.Return{ID: fmt.Sprintf("m%04d", i), JID: pub.JID, Return: true}))
	}

	seen := make(map[string]bool)
	for len(seen) < n {
		for _, r := range recvBatch(t, returns) {
			seen[r.ID] = true
		}
	}
	assert.Len(t, seen, n)
}

func TestMemoryWatchJobsKeepsEveryJobUnderBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newMemoryStore(t)
	events := m.WatchJobs(ctx)

	const n = 500
	for i := 0; i < n; i++ {
		_, err := m.Publish(ctx, &model.Job{Tgt: "*", Fun: model.Fun("test.ping")})
		require.NoError(t, err)
	}

	seen := make(map[string]bool)
	for len(seen) < n {
		select {
		case ev := <-events:
			seen[ev.Job.JID] = true
		case <-time.After(time.Second):
			t.Fatalf("got %d of %d jobs", len(seen), n)
		}
	}
}
