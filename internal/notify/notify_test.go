package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammy180/onion-logger/internal/record"
)

type message struct {
	topic    string
	payload  []byte
	retained bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (p *fakePublisher) Publish(topic string, payload []byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, message{topic, payload, retained})
	return p.err
}

func (p *fakePublisher) messages() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message(nil), p.msgs...)
}

func TestMulti(t *testing.T) {
	var got []string
	m := Multi{
		SinkFunc(func(r record.Record) { got = append(got, "a:"+r.BoxID) }),
		nil,
		SinkFunc(func(r record.Record) { got = append(got, "b:"+r.BoxID) }),
	}
	m.Publish(record.Record{BoxID: "7"})
	assert.Equal(t, []string{"a:7", "b:7"}, got)
}

func TestMQTTSink_PublishesRecords(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTTSink(pub, "onion/", zerolog.Nop())
	stop := runSink(t, sink)

	rec := record.Record{ID: 3, BoxID: "42", FuseID: "/dev/Onion1"}
	rec.Channels[record.CO2] = record.Some(415)
	sink.Publish(rec)
	sink.Publish(record.Record{ID: 4, BoxID: "a/b", FuseID: "/dev/Onion1"})

	require.Eventually(t, func() bool { return len(pub.messages()) == 2 }, time.Second, time.Millisecond)
	stop()

	msgs := pub.messages()
	assert.Equal(t, "onion/42/records", msgs[0].topic)
	assert.False(t, msgs[0].retained)
	var back record.Record
	require.NoError(t, json.Unmarshal(msgs[0].payload, &back))
	assert.Equal(t, int64(3), back.ID)
	assert.Equal(t, record.Some(415), back.Channels[record.CO2])
	assert.Equal(t, "onion/a_b/records", msgs[1].topic)
}

func TestMQTTSink_DropsWhenQueueFull(t *testing.T) {
	sink := NewMQTTSink(&fakePublisher{}, "onion", zerolog.Nop())
	for i := 0; i < mqttQueueSize+5; i++ {
		sink.Publish(record.Record{BoxID: "1"})
	}
	assert.Equal(t, int64(5), sink.Dropped())
}

func runSink(t *testing.T, sink *MQTTSink) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sink.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("mqtt sink did not stop")
		}
	}
}

func TestMQTTSink_StaleIsRetained(t *testing.T) {
	pub := &fakePublisher{err: errors.New("offline")}
	sink := NewMQTTSink(pub, "", zerolog.Nop())
	stop := runSink(t, sink)
	sink.Stale(StaleEvent{BoxID: "", Stale: true})

	require.Eventually(t, func() bool { return len(pub.messages()) == 1 }, time.Second, time.Millisecond)
	stop()

	msgs := pub.messages()
	assert.Equal(t, "_/stale", msgs[0].topic)
	assert.True(t, msgs[0].retained)
}

// blockingPublisher never returns until released, like a broker that
// accepted the connection but stopped answering.
type blockingPublisher struct {
	release chan struct{}
}

func (p *blockingPublisher) Publish(string, []byte, bool) error {
	<-p.release
	return nil
}

func TestMQTTSink_StaleDoesNotWaitForBroker(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{})}
	defer close(pub.release)
	sink := NewMQTTSink(pub, "onion", zerolog.Nop())

	returned := make(chan struct{})
	go func() {
		sink.Stale(StaleEvent{BoxID: "1", Stale: true})
		sink.Stale(StaleEvent{BoxID: "1", Stale: false})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Stale blocked on the publisher")
	}
}

func TestMQTTSink_UnreachableBrokerStopsOnCancel(t *testing.T) {
	client, err := DialMQTT(MQTTOptions{
		BrokerURL:      "tcp://127.0.0.1:1",
		ClientID:       "onion-test",
		PublishTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer client.Close()

	err = client.Publish("onion/1/records", []byte("{}"), false)
	assert.ErrorIs(t, err, errPublishTimeout)

	sink := NewMQTTSink(client, "onion", zerolog.Nop())
	stop := runSink(t, sink)
	sink.Publish(record.Record{BoxID: "1", FuseID: "/dev/Onion1"})
	sink.Stale(StaleEvent{BoxID: "1", Stale: true})
	time.Sleep(20 * time.Millisecond)
	stop()
}

type fakeLatest struct {
	mu   sync.Mutex
	recs []record.Record
	err  error
}

func (f *fakeLatest) LatestPerBox(context.Context) ([]record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]record.Record(nil), f.recs...), f.err
}

func (f *fakeLatest) set(recs ...record.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = recs
}

type staleRecorder struct {
	events []StaleEvent
}

func (s *staleRecorder) Stale(ev StaleEvent) { s.events = append(s.events, ev) }

func TestWatchdog_SignalsOncePerTransition(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	reader := &fakeLatest{}
	rec := &staleRecorder{}
	w := NewWatchdog(WatchdogConfig{
		Store:     reader,
		Sinks:     []StaleSink{rec},
		Threshold: time.Minute,
		Now:       func() time.Time { return now },
		Logger:    zerolog.Nop(),
	})
	ctx := context.Background()

	reader.set(
		record.Record{BoxID: "1", FuseID: "/dev/Onion1", CapturedAt: base},
		record.Record{BoxID: "2", FuseID: "/dev/Onion2", CapturedAt: base.Add(-time.Hour)},
	)

	events, err := w.Check(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "2", events[0].BoxID)
	assert.True(t, events[0].Stale)
	assert.Equal(t, time.Hour, events[0].Age)

	// Nothing changed: no new signal.
	events, err = w.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	// Box 1 goes quiet, box 2 reports again.
	now = base.Add(2 * time.Minute)
	reader.set(
		record.Record{BoxID: "1", CapturedAt: base},
		record.Record{BoxID: "2", CapturedAt: now},
	)
	events, err = w.Check(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "1", events[0].BoxID)
	assert.True(t, events[0].Stale)
	assert.Equal(t, "2", events[1].BoxID)
	assert.False(t, events[1].Stale)

	assert.Len(t, rec.events, 3)
}

func TestWatchdog_ReaderError(t *testing.T) {
	reader := &fakeLatest{err: errors.New("database is locked")}
	w := NewWatchdog(WatchdogConfig{Store: reader, Logger: zerolog.Nop()})
	_, err := w.Check(context.Background())
	assert.Error(t, err)
}

func TestWatchdog_RunStopsOnCancel(t *testing.T) {
	reader := &fakeLatest{}
	w := NewWatchdog(WatchdogConfig{Store: reader, Interval: time.Millisecond, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop")
	}
}
