// Package fcm delivers notifications through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/notify"
)

// sender is the subset of *messaging.Client the channel uses.
type sender interface {
	SendEachForMulticast(ctx context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error)
	SendDryRun(ctx context.Context, m *messaging.Message) (string, error)
	Send(ctx context.Context, m *messaging.Message) (string, error)
	SubscribeToTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error)
	UnsubscribeFromTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error)
}

// Channel sends multicast messages and validates tokens with dry runs.
type Channel struct {
	client sender
	logger *slog.Logger
}

var (
	_ notify.Channel      = (*Channel)(nil)
	_ notify.Validator    = (*Channel)(nil)
	_ notify.DirectSender = (*Channel)(nil)
	_ notify.TopicManager = (*Channel)(nil)
)

// New initialises a Firebase app from a project id and an optional service
// account file. Without a file, application default credentials are used.
func New(ctx context.Context, projectID, credentialsFile string, logger *slog.Logger) (*Channel, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	var cfg *firebase.Config
	if projectID != "" {
		cfg = &firebase.Config{ProjectID: projectID}
	}
	app, err := firebase.NewApp(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	return &Channel{client: client, logger: logger}, nil
}

func (c *Channel) Name() domain.Channel { return domain.ChannelFCM }

// Send delivers msg to up to 500 tokens in one multicast call.
func (c *Channel) Send(ctx context.Context, tokens []string, msg notify.Message) (notify.BatchResult, error) {
	resp, err := c.client.SendEachForMulticast(ctx, multicast(tokens, msg))
	if err != nil {
		return notify.BatchResult{}, fmt.Errorf("fcm multicast: %w", err)
	}

	res := notify.BatchResult{Success: resp.SuccessCount, Failure: resp.FailureCount}
	for i, r := range resp.Responses {
		if r.Success || r.Error == nil || i >= len(tokens) {
			continue
		}
		if res.ErrorCode == "" {
			res.ErrorCode = errorCode(r.Error)
		}
		if messaging.IsUnregistered(r.Error) {
			res.Unregistered = append(res.Unregistered, tokens[i])
		}
	}
	return res, nil
}

// Validate sends a dry-run message to token. Unregistered and malformed
// tokens are reported as notify.ErrTokenUnregistered.
func (c *Channel) Validate(ctx context.Context, token string) error {
	_, err := c.client.SendDryRun(ctx, &messaging.Message{
		Token:        token,
		Notification: &messaging.Notification{Title: "Test", Body: "Test"},
	})
	if err == nil {
		return nil
	}
	if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) {
		return fmt.Errorf("%s: %w", errorCode(err), notify.ErrTokenUnregistered)
	}
	return fmt.Errorf("fcm dry run: %w", err)
}

// SendTarget delivers msg to one token or topic. Failures are returned as
// *notify.SendError carrying the FCM error code.
func (c *Channel) SendTarget(ctx context.Context, t notify.Target, msg notify.Message) (string, error) {
	m := &messaging.Message{
		Token:        t.Token,
		Topic:        t.Topic,
		Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	}
	if msg.Presentation.ChannelID != "" {
		m.Android = android(msg)
	}
	id, err := c.client.Send(ctx, m)
	if err != nil {
		return "", &notify.SendError{Code: errorCode(err), Unregistered: messaging.IsUnregistered(err), Err: err}
	}
	return id, nil
}

// SubscribeTopic adds tokens to topic.
func (c *Channel) SubscribeTopic(ctx context.Context, tokens []string, topic string) (notify.TopicResult, error) {
	resp, err := c.client.SubscribeToTopic(ctx, tokens, topic)
	if err != nil {
		return notify.TopicResult{}, fmt.Errorf("fcm subscribe to topic %q: %w", topic, err)
	}
	return topicResult(resp), nil
}

// UnsubscribeTopic removes tokens from topic.
func (c *Channel) UnsubscribeTopic(ctx context.Context, tokens []string, topic string) (notify.TopicResult, error) {
	resp, err := c.client.UnsubscribeFromTopic(ctx, tokens, topic)
	if err != nil {
		return notify.TopicResult{}, fmt.Errorf("fcm unsubscribe from topic %q: %w", topic, err)
	}
	return topicResult(resp), nil
}

func topicResult(resp *messaging.TopicManagementResponse) notify.TopicResult {
	res := notify.TopicResult{SuccessCount: resp.SuccessCount, FailureCount: resp.FailureCount}
	for _, e := range resp.Errors {
		if e == nil {
			continue
		}
		res.Errors = append(res.Errors, notify.TopicError{Index: e.Index, Reason: e.Reason})
	}
	return res
}

func multicast(tokens []string, msg notify.Message) *messaging.MulticastMessage {
	return &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data:    msg.Data,
		Android: android(msg),
	}
}

func android(msg notify.Message) *messaging.AndroidConfig {
	p := msg.Presentation
	var vibrate []int64
	for _, ms := range p.Vibration {
		vibrate = append(vibrate, int64(ms))
	}
	return &messaging.AndroidConfig{
		Priority: p.Priority,
		Notification: &messaging.AndroidNotification{
			Sound:               p.Sound,
			ChannelID:           p.ChannelID,
			Color:               p.Color,
			Tag:                 msg.Tag,
			Icon:                "ic_notification",
			VibrateTimingMillis: vibrate,
			Sticky:              p.Sticky,
		},
	}
}

func errorCode(err error) string {
	switch {
	case messaging.IsUnregistered(err):
		return "registration-token-not-registered"
	case messaging.IsInvalidArgument(err):
		return "invalid-argument"
	case messaging.IsQuotaExceeded(err):
		return "quota-exceeded"
	case messaging.IsSenderIDMismatch(err):
		return "sender-id-mismatch"
	case messaging.IsUnavailable(err):
		return "unavailable"
	case messaging.IsThirdPartyAuthError(err):
		return "third-party-auth-error"
	default:
		return "internal"
	}
}
