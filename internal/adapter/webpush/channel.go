// Package webpush delivers notifications to browsers with VAPID web push.
package webpush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	webpushgo "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/notify"
)

// Config holds the VAPID identity.
type Config struct {
	PublicKey  string
	PrivateKey string
	Subject    string
	// TTL is how long the push service keeps an undelivered message.
	TTL time.Duration
	// Concurrency bounds parallel pushes within one batch.
	Concurrency int
}

// Channel pushes to browser subscriptions. Tokens are the JSON-encoded
// PushSubscription objects browsers hand out.
type Channel struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

var (
	_ notify.Channel   = (*Channel)(nil)
	_ notify.Validator = (*Channel)(nil)
)

func New(cfg Config, logger *slog.Logger) *Channel {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Channel{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

func (c *Channel) Name() domain.Channel { return domain.ChannelWebPush }

// PublicKey is served to browsers as the applicationServerKey.
func (c *Channel) PublicKey() string { return c.cfg.PublicKey }

// payload is what the service worker receives.
type payload struct {
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Tag     string            `json:"tag"`
	Color   string            `json:"color"`
	Vibrate []int             `json:"vibrate,omitempty"`
	Silent  bool              `json:"silent"`
	Urgent  bool              `json:"requireInteraction"`
	Data    map[string]string `json:"data"`
}

func (c *Channel) Send(ctx context.Context, tokens []string, msg notify.Message) (notify.BatchResult, error) {
	body, err := json.Marshal(payload{
		Title:   msg.Title,
		Body:    msg.Body,
		Tag:     msg.Tag,
		Color:   msg.Presentation.Color,
		Vibrate: msg.Presentation.Vibration,
		Silent:  msg.Presentation.Sound == "default",
		Urgent:  msg.Presentation.Sticky,
		Data:    msg.Data,
	})
	if err != nil {
		return notify.BatchResult{}, fmt.Errorf("encode web push payload: %w", err)
	}
	urgency := webpushgo.UrgencyNormal
	if msg.Presentation.Priority == "high" {
		urgency = webpushgo.UrgencyHigh
	}

	var (
		mu  sync.Mutex
		res notify.BatchResult
		g   errgroup.Group
	)
	g.SetLimit(c.cfg.Concurrency)
	for _, token := range tokens {
		g.Go(func() error {
			err := c.push(ctx, token, body, urgency)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				res.Success++
				return nil
			}
			res.Failure++
			if res.ErrorCode == "" {
				res.ErrorCode = errorCode(err)
			}
			if errors.Is(err, notify.ErrTokenUnregistered) {
				res.Unregistered = append(res.Unregistered, token)
			}
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}

// Validate only checks that the token is a well-formed subscription; the
// web push protocol has no dry-run.
func (c *Channel) Validate(_ context.Context, token string) error {
	_, err := decodeSubscription(token)
	return err
}

type statusError struct{ code int }

func (e statusError) Error() string { return "push service returned " + strconv.Itoa(e.code) }

func (c *Channel) push(ctx context.Context, token string, body []byte, urgency webpushgo.Urgency) error {
	sub, err := decodeSubscription(token)
	if err != nil {
		return err
	}
	resp, err := webpushgo.SendNotificationWithContext(ctx, body, sub, &webpushgo.Options{
		HTTPClient:      c.client,
		Subscriber:      c.cfg.Subject,
		VAPIDPublicKey:  c.cfg.PublicKey,
		VAPIDPrivateKey: c.cfg.PrivateKey,
		TTL:             int(c.cfg.TTL.Seconds()),
		Urgency:         urgency,
	})
	if err != nil {
		return fmt.Errorf("web push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %w", notify.ErrTokenUnregistered, statusError{resp.StatusCode})
	default:
		return statusError{resp.StatusCode}
	}
}

func decodeSubscription(token string) (*webpushgo.Subscription, error) {
	var sub webpushgo.Subscription
	if err := json.Unmarshal([]byte(token), &sub); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", notify.ErrTokenUnregistered)
	}
	if sub.Endpoint == "" || sub.Keys.Auth == "" || sub.Keys.P256dh == "" {
		return nil, fmt.Errorf("incomplete subscription: %w", notify.ErrTokenUnregistered)
	}
	return &sub, nil
}

func errorCode(err error) string {
	var se statusError
	switch {
	case errors.As(err, &se):
		return "http-" + strconv.Itoa(se.code)
	case errors.Is(err, notify.ErrTokenUnregistered):
		return "invalid-subscription"
	default:
		return "transport"
	}
}
