package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizportal/flowd/internal/steps"
)

type pushCall struct {
	session string
	method  string
	params  map[string]any
}

type fakePusher struct {
	calls []pushCall
	errs  map[string]error
}

func (f *fakePusher) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	if err := f.errs[sessionID]; err != nil {
		return err
	}
	f.calls = append(f.calls, pushCall{sessionID, method, params})
	return nil
}

func newTestNotifier() (*Notifier, *fakePusher, *SessionRegistry) {
	p := &fakePusher{errs: map[string]error{}}
	sessions := NewSessionRegistry()
	return &Notifier{push: p, sessions: sessions}, p, sessions
}

func TestNotifier_PushesToConnectedRecipients(t *testing.T) {
	n, p, sessions := newTestNotifier()
	sessions.Register("manager", "s-1")

	d, err := n.Send(context.Background(), &steps.Notification{
		InstanceID: "i-1",
		StepID:     "notify",
		Template:   "leave-decision",
		Channel:    ChannelMCP,
		Recipients: []string{"manager", "employee"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"manager"}, d.Detail["delivered"])
	require.Len(t, p.calls, 1)
	assert.Equal(t, "s-1", p.calls[0].session)
	assert.Equal(t, "notifications/message", p.calls[0].method)
	assert.Equal(t, "leave-decision", p.calls[0].params["data"].(map[string]any)["template"])
}

func TestNotifier_ExpiredSessionRemoved(t *testing.T) {
	n, p, sessions := newTestNotifier()
	sessions.Register("manager", "s-1")
	p.errs["s-1"] = server.ErrSessionNotFound

	d, err := n.Send(context.Background(), &steps.Notification{Recipients: []string{"manager"}})
	require.NoError(t, err)
	assert.Empty(t, d.Detail["delivered"])
	_, ok := sessions.SessionFor("manager")
	assert.False(t, ok)
}

func TestNotifier_AllPushesFailed(t *testing.T) {
	n, p, sessions := newTestNotifier()
	sessions.Register("manager", "s-1")
	p.errs["s-1"] = errors.New("broken pipe")

	_, err := n.Send(context.Background(), &steps.Notification{Recipients: []string{"manager"}})
	assert.Error(t, err)
}
