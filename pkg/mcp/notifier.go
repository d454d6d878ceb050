package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/bizportal/flowd/internal/notify"
	"github.com/bizportal/flowd/internal/steps"
)

// ChannelMCP routes notifications to recipients connected over MCP.
const ChannelMCP = "mcp"

// pusher is the part of server.MCPServer the notifier needs.
type pusher interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// Notifier is a notify.Sender that pushes a workflow notification to every
// recipient with a live MCP session. Recipients that are not connected are
// skipped.
type Notifier struct {
	push     pusher
	sessions *SessionRegistry
}

// NewNotifier creates a notifier bound to the server's sessions.
func NewNotifier(s *FlowServer) *Notifier {
	return &Notifier{push: s.mcpServer, sessions: s.sessions}
}

func (n *Notifier) Name() string { return "mcp" }

// Send pushes the notification. It never fails for offline recipients.
func (n *Notifier) Send(_ context.Context, note *steps.Notification) (*notify.Delivery, error) {
	payload := map[string]any{
		"level":  "info",
		"logger": "flowd",
		"data": map[string]any{
			"instance_id": note.InstanceID,
			"step_id":     note.StepID,
			"template":    note.Template,
			"data":        note.Data,
		},
	}
	var (
		delivered []string
		errs      []error
	)
	for _, user := range note.Recipients {
		sid, ok := n.sessions.SessionFor(user)
		if !ok {
			continue
		}
		err := n.push.SendNotificationToSpecificClient(sid, "notifications/message", payload)
		switch {
		case errors.Is(err, server.ErrSessionNotFound):
			// Session expired between lookup and send.
			n.sessions.Remove(sid)
		case err != nil:
			errs = append(errs, err)
		default:
			delivered = append(delivered, user)
		}
	}
	if len(delivered) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &notify.Delivery{
		Channel: ChannelMCP,
		Sender:  n.Name(),
		At:      time.Now(),
		Detail:  map[string]any{"delivered": delivered},
	}, nil
}

var _ notify.Sender = (*Notifier)(nil)
