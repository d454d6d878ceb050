package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bizportal/flowd/internal/actions"
	"github.com/bizportal/flowd/internal/steps"
	"github.com/bizportal/flowd/pkg/schema"
)

// Delivery describes a completed send.
type Delivery struct {
	Channel string         `json:"channel"`
	Sender  string         `json:"sender"`
	At      time.Time      `json:"at"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Sender delivers notifications for one or more channels.
type Sender interface {
	Name() string
	Send(ctx context.Context, n *steps.Notification) (*Delivery, error)
}

// LogSender writes notifications to the log. It is the fallback route.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(ctx context.Context, n *steps.Notification) (*Delivery, error) {
	s.logger.InfoContext(ctx, "notification",
		slog.String("instance_id", n.InstanceID),
		slog.String("step_id", n.StepID),
		slog.String("template", n.Template),
		slog.String("channel", n.Channel),
		slog.Any("recipients", n.Recipients))
	return &Delivery{Channel: n.Channel, Sender: s.Name(), At: time.Now()}, nil
}

// WebhookSender posts the notification as JSON to a fixed URL through the
// http.post action, so it shares timeouts, auth and status classification
// with integration steps.
type WebhookSender struct {
	url     string
	headers map[string]any
	post    actions.Action
}

// NewWebhookSender creates a sender posting to url.
func NewWebhookSender(url string, headers map[string]string, cfg actions.HTTPConfig) *WebhookSender {
	h := make(map[string]any, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return &WebhookSender{url: url, headers: h, post: actions.NewHTTPPostAction(cfg)}
}

func (s *WebhookSender) Name() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, n *steps.Notification) (*Delivery, error) {
	params := map[string]any{"url": s.url, "headers": s.headers}
	if err := s.post.Validate(params); err != nil {
		return nil, err
	}
	out, err := s.post.Execute(ctx, actions.ActionInput{
		Params:         params,
		Input:          n,
		IdempotencyKey: n.InstanceID + "/" + n.StepID,
	})
	if err != nil {
		return nil, err
	}
	res, _ := out.(map[string]any)
	return &Delivery{
		Channel: n.Channel,
		Sender:  s.Name(),
		At:      time.Now(),
		Detail:  map[string]any{"status_code": res["status_code"]},
	}, nil
}

// RedisSender publishes notifications on a Redis channel per notification
// channel, for portal services that deliver mail or chat messages.
type RedisSender struct {
	client redis.Cmdable
	prefix string
}

// NewRedisSender creates a sender publishing to prefix+channel.
func NewRedisSender(client redis.Cmdable, prefix string) *RedisSender {
	if prefix == "" {
		prefix = "flowd:notifications:"
	}
	return &RedisSender{client: client, prefix: prefix}
}

func (s *RedisSender) Name() string { return "redis" }

func (s *RedisSender) Send(ctx context.Context, n *steps.Notification) (*Delivery, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "notification is not JSON-serialisable").WithCause(err)
	}
	topic := s.prefix + n.Channel
	receivers, err := s.client.Publish(ctx, topic, body).Result()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRetryableAction, "publish %s: %v", topic, err).WithCause(err)
	}
	return &Delivery{
		Channel: n.Channel,
		Sender:  s.Name(),
		At:      time.Now(),
		Detail:  map[string]any{"topic": topic, "receivers": receivers},
	}, nil
}
