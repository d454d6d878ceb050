package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizportal/flowd/internal/actions"
	"github.com/bizportal/flowd/internal/steps"
	"github.com/bizportal/flowd/internal/workers"
	"github.com/bizportal/flowd/pkg/schema"
)

type recordingSender struct {
	mu   sync.Mutex
	name string
	got  []*steps.Notification
	err  error
	done chan struct{}
}

func newRecorder(name string) *recordingSender {
	return &recordingSender{name: name, done: make(chan struct{}, 16)}
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) Send(_ context.Context, n *steps.Notification) (*Delivery, error) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
	r.done <- struct{}{}
	if r.err != nil {
		return nil, r.err
	}
	return &Delivery{Channel: n.Channel, Sender: r.name, At: time.Now()}, nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *recordingSender) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func newDispatcher(t *testing.T, opts Options) *Dispatcher {
	t.Helper()
	pool := workers.New("notify", 2, nil)
	opts.Logger = slog.New(slog.DiscardHandler)
	d := NewDispatcher(pool, opts)
	t.Cleanup(func() {
		d.Stop()
		pool.Shutdown()
	})
	return d
}

func decision(channel string) *steps.Notification {
	return &steps.Notification{
		InstanceID: "inst-1",
		StepID:     "notify",
		Template:   "leave-decision",
		Channel:    channel,
		Recipients: []string{"employee"},
		Data:       map[string]any{"leaveStatus": "approved"},
	}
}

func TestDispatcher_RoutesByChannel(t *testing.T) {
	d := newDispatcher(t, Options{})
	email, fallback := newRecorder("email"), newRecorder("fallback")
	d.Route("email", email)
	d.SetFallback(fallback)

	del, err := d.Send(context.Background(), decision("email"))
	require.NoError(t, err)
	assert.Equal(t, "email", del.Sender)

	_, err = d.Send(context.Background(), decision("sms"))
	require.NoError(t, err)
	assert.Equal(t, 1, email.count())
	assert.Equal(t, 1, fallback.count())
}

func TestDispatcher_SendRequiresTemplate(t *testing.T) {
	d := newDispatcher(t, Options{})
	_, err := d.Send(context.Background(), &steps.Notification{Channel: "email"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestDispatcher_DispatchIsAsync(t *testing.T) {
	d := newDispatcher(t, Options{})
	email := newRecorder("email")
	email.err = errors.New("smtp down")
	d.Route("email", email)
	d.Start(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	d.Dispatch(ctx, decision("email"))
	cancel()
	email.wait(t)
	assert.Equal(t, 1, email.count())
}

func TestDispatcher_FullQueueDrops(t *testing.T) {
	d := newDispatcher(t, Options{QueueSize: 1})
	email := newRecorder("email")
	d.Route("email", email)

	d.Dispatch(context.Background(), decision("email"))
	d.Dispatch(context.Background(), decision("email"))
	assert.Len(t, d.queue, 1)

	d.Start(context.Background())
	email.wait(t)
	d.Stop()
	assert.Equal(t, 1, email.count())
}

func TestWebhookSender(t *testing.T) {
	var got steps.Notification
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("X-Portal-Token")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, map[string]string{"X-Portal-Token": "t0k"}, actions.HTTPConfig{})
	del, err := s.Send(context.Background(), decision("webhook"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, del.Detail["status_code"])
	assert.Equal(t, "leave-decision", got.Template)
	assert.Equal(t, "t0k", auth)
}

func TestWebhookSender_ServerErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewWebhookSender(srv.URL, nil, actions.HTTPConfig{}).Send(context.Background(), decision("webhook"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeRetryableAction))
}

func TestRedisSender(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer client.Close()

	sub := client.Subscribe(context.Background(), "test:notifications:email")
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	del, err := NewRedisSender(client, "test:notifications:").Send(context.Background(), decision("email"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), del.Detail["receivers"])

	msg, err := sub.ReceiveMessage(context.Background())
	require.NoError(t, err)
	var n steps.Notification
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
	assert.Equal(t, "inst-1", n.InstanceID)
}
