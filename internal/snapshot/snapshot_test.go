package snapshot

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cubeos-gsm/internal/modem"
)

func summary(id string) modem.Summary {
	return modem.Summary{
		ID:      id,
		Port:    "/dev/ttyUSB0",
		State:   modem.StateReady,
		SIM:     modem.SimReady,
		Network: modem.NetworkRegistered,
		Signal:  17,
	}
}

func TestRedisSinkStoresAndPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, "gsm:modules")
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	sink := NewRedisSink(rdb, time.Minute, "")
	require.NoError(t, sink.Publish(ctx, summary("m1")))

	raw, err := mr.Get(KeyPrefix + "m1")
	require.NoError(t, err)
	var stored modem.Summary
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, "m1", stored.ID)
	assert.Equal(t, modem.StateReady, stored.State)
	assert.Equal(t, time.Minute, mr.TTL(KeyPrefix+"m1"))

	select {
	case msg := <-sub.Channel():
		assert.JSONEq(t, raw, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no pub/sub message")
	}
}

func TestDialFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = Dial(context.Background(), addr, "", 0)
	assert.Error(t, err)
}

type recordingSink struct {
	mu     sync.Mutex
	got    []string
	latest map[string]modem.Summary
	fail   bool
}

func (r *recordingSink) Publish(_ context.Context, s modem.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, s.ID)
	if r.latest == nil {
		r.latest = make(map[string]modem.Summary)
	}
	r.latest[s.ID] = s
	if r.fail {
		return errors.New("sink down")
	}
	return nil
}

func (r *recordingSink) last(id string) modem.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest[id]
}

func (r *recordingSink) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestPublisherFansOutAndSurvivesErrors(t *testing.T) {
	bad := &recordingSink{fail: true}
	good := &recordingSink{}
	p := NewPublisher(bad, good, LogSink{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.Enqueue(summary("m1"))
	p.Enqueue(summary("m2"))

	assert.Eventually(t, func() bool { return len(good.ids()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2"}, bad.ids())

	cancel()
	assert.NoError(t, <-done)
}

func TestPublisherCoalescesToLatestRevision(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink)

	older := summary("m1")
	older.Revision = 2
	newer := summary("m1")
	newer.Revision = 3
	newer.State = modem.StateDisconnected

	// hooks may deliver out of order
	p.Enqueue(newer)
	p.Enqueue(older)
	for i := 0; i < 200; i++ {
		s := summary("m2")
		s.Revision = uint64(i + 1)
		p.Enqueue(s)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool { return len(sink.ids()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2"}, sink.ids())
	assert.Equal(t, modem.StateDisconnected, sink.last("m1").State)
	assert.Equal(t, uint64(200), sink.last("m2").Revision)

	p.Enqueue(older)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sink.ids(), 2, "a revision older than the published one is discarded")
}
