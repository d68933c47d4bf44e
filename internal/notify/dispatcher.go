package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/observability"
)

// SubscriberSource supplies recipients and takes permanent-failure feedback.
type SubscriberSource interface {
	Active(ctx context.Context) ([]domain.Subscriber, error)
	Deactivate(ctx context.Context, token string) error
}

// Options tune batching.
type Options struct {
	// BatchSize is the most tokens per provider call.
	BatchSize int
	// Concurrency bounds in-flight provider calls per channel.
	Concurrency int
	// CallTimeout bounds one provider call.
	CallTimeout time.Duration
	Clock       clockwork.Clock
}

// DefaultOptions matches the FCM multicast limit.
func DefaultOptions() Options {
	return Options{BatchSize: 500, Concurrency: 4, CallTimeout: 15 * time.Second, Clock: clockwork.NewRealClock()}
}

// Report summarises one fan-out.
type Report struct {
	EventID     string `json:"eventId"`
	Total       int    `json:"total"`
	Eligible    int    `json:"eligible"`
	Sent        int    `json:"sent"`
	Failed      int    `json:"failed"`
	Filtered    int    `json:"filtered"`
	Skipped     int    `json:"skipped"`
	Deactivated int    `json:"deactivated"`
}

// Dispatcher filters subscribers, classifies urgency, and batches delivery
// per channel and message variant.
type Dispatcher struct {
	subs     SubscriberSource
	audit    AuditSink
	channels map[domain.Channel]Channel
	opts     Options
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewDispatcher creates a Dispatcher. audit may be nil.
func NewDispatcher(subs SubscriberSource, audit AuditSink, channels []Channel, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	byName := make(map[domain.Channel]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	return &Dispatcher{
		subs:     subs,
		audit:    audit,
		channels: byName,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
	}
}

// variant identifies recipients that receive an identical message.
type variant struct {
	channel   domain.Channel
	tier      domain.Tier
	sound     bool
	vibration bool
}

// Dispatch delivers e to every active subscriber whose preferences match.
func (d *Dispatcher) Dispatch(ctx context.Context, e domain.Earthquake) (Report, error) {
	subs, err := d.subs.Active(ctx)
	if err != nil {
		return Report{EventID: e.ID}, fmt.Errorf("load subscribers: %w", err)
	}

	rep := Report{EventID: e.ID, Total: len(subs)}
	groups := make(map[variant][]string)
	for _, s := range subs {
		dec := domain.Evaluate(e, s.Settings)
		if !dec.Eligible {
			rep.Filtered++
			d.metrics.FilteredSubscribers.WithLabelValues(dec.Reason).Inc()
			continue
		}
		v := variant{channel: s.Channel, tier: dec.Tier, sound: s.Settings.SoundEnabled, vibration: s.Settings.VibrationEnabled}
		groups[v] = append(groups[v], s.Token)
	}

	d.deliver(ctx, e.ID, groups, func(v variant) Message {
		return EarthquakeMessage(e, domain.Present(v.tier, v.sound, v.vibration))
	}, &rep)

	d.logger.Info("dispatch complete",
		"event_id", e.ID,
		"magnitude", e.Magnitude,
		"total", rep.Total,
		"sent", rep.Sent,
		"failed", rep.Failed,
		"filtered", rep.Filtered,
		"skipped", rep.Skipped,
		"deactivated", rep.Deactivated,
	)
	return rep, nil
}

// DispatchNearby delivers a crowd alert to active subscribers whose stored
// location lies within radiusKm of the alert. Subscribers without a
// location are filtered.
func (d *Dispatcher) DispatchNearby(ctx context.Context, a domain.Alert, radiusKm float64) (Report, error) {
	eventID := fmt.Sprintf("seismic-%s-%d", a.Kind, a.Timestamp.UnixMilli())
	subs, err := d.subs.Active(ctx)
	if err != nil {
		return Report{EventID: eventID}, fmt.Errorf("load subscribers: %w", err)
	}

	rep := Report{EventID: eventID, Total: len(subs)}
	groups := make(map[variant][]string)
	for _, s := range subs {
		loc := s.Settings.Location
		if loc == nil || domain.HaversineKm(*loc, a.Location) > radiusKm {
			rep.Filtered++
			d.metrics.FilteredSubscribers.WithLabelValues("radius").Inc()
			continue
		}
		v := variant{channel: s.Channel}
		groups[v] = append(groups[v], s.Token)
	}

	msg := AlertMessage(a)
	d.deliver(ctx, eventID, groups, func(variant) Message { return msg }, &rep)

	d.logger.Info("crowd alert dispatched",
		"kind", string(a.Kind),
		"magnitude", a.Magnitude,
		"radius_km", radiusKm,
		"sent", rep.Sent,
		"failed", rep.Failed,
		"filtered", rep.Filtered,
	)
	return rep, nil
}

// ErrDirectUnsupported is returned when no configured channel can address a
// single token or topic.
var ErrDirectUnsupported = errors.New("direct sends not supported by configured channels")

// SendDirect delivers msg to one FCM token or topic outside the earthquake
// fan-out. The attempt is audited, and a token the provider reports as
// unregistered is deactivated.
func (d *Dispatcher) SendDirect(ctx context.Context, t Target, msg Message) (string, error) {
	ds, ok := d.channels[domain.ChannelFCM].(DirectSender)
	if !ok {
		return "", ErrDirectUnsupported
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	id, err := ds.SendTarget(callCtx, t, msg)
	cancel()

	eventID := "direct-token"
	if t.Topic != "" {
		eventID = "direct-topic-" + t.Topic
	}
	entry := AuditEntry{
		ID:         uuid.NewString(),
		At:         d.opts.Clock.Now(),
		EventID:    eventID,
		Channel:    domain.ChannelFCM,
		Recipients: 1,
	}
	if err != nil {
		entry.Status = StatusFailed
		entry.Failure = 1
		entry.ErrorCode = err.Error()
		var se *SendError
		if errors.As(err, &se) {
			entry.ErrorCode = se.Code
		}
		d.metrics.Notifications.WithLabelValues(string(domain.ChannelFCM), "failed").Inc()
		d.logger.Warn("direct push failed", "event_id", eventID, "code", entry.ErrorCode, "error", err)
		if t.Token != "" && errors.Is(err, ErrTokenUnregistered) {
			if derr := d.subs.Deactivate(ctx, t.Token); derr != nil {
				d.logger.Warn("deactivate token failed", "channel", string(domain.ChannelFCM), "error", derr)
			} else {
				d.metrics.TokensDeactivated.Inc()
			}
		}
	} else {
		entry.Status = StatusSuccess
		entry.Success = 1
		d.metrics.Notifications.WithLabelValues(string(domain.ChannelFCM), "sent").Inc()
		d.logger.Info("direct push sent", "event_id", eventID, "message_id", id)
	}
	d.record(ctx, entry)
	return id, err
}

// deliver sends every group. Channels run in parallel and each bounds its
// own in-flight calls, so a slow provider cannot starve another.
func (d *Dispatcher) deliver(ctx context.Context, eventID string, groups map[variant][]string, render func(variant) Message, rep *Report) {
	byChannel := make(map[domain.Channel][]variant)
	for v, tokens := range groups {
		rep.Eligible += len(tokens)
		if _, ok := d.channels[v.channel]; !ok {
			rep.Skipped += len(tokens)
			d.logger.Debug("no channel configured", "channel", string(v.channel), "recipients", len(tokens))
			continue
		}
		byChannel[v.channel] = append(byChannel[v.channel], v)
	}

	var (
		mu    sync.Mutex
		outer errgroup.Group
	)
	for name, variants := range byChannel {
		ch := d.channels[name]
		outer.Go(func() error {
			var inner errgroup.Group
			inner.SetLimit(d.opts.Concurrency)
			for _, v := range variants {
				msg := render(v)
				for _, batch := range chunk(groups[v], d.opts.BatchSize) {
					inner.Go(func() error {
						res := d.sendBatch(ctx, ch, eventID, batch, msg)
						mu.Lock()
						rep.Sent += res.Success
						rep.Failed += res.Failure
						rep.Deactivated += res.deactivated
						mu.Unlock()
						return nil
					})
				}
			}
			return inner.Wait()
		})
	}
	_ = outer.Wait()
}

type batchOutcome struct {
	BatchResult
	deactivated int
}

func (d *Dispatcher) sendBatch(ctx context.Context, ch Channel, eventID string, tokens []string, msg Message) batchOutcome {
	callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	res, err := ch.Send(callCtx, tokens, msg)
	cancel()

	if err != nil {
		res = BatchResult{Failure: len(tokens), ErrorCode: err.Error()}
		d.logger.Warn("push batch failed", "channel", string(ch.Name()), "event_id", eventID, "recipients", len(tokens), "error", err)
	}
	d.metrics.Notifications.WithLabelValues(string(ch.Name()), "sent").Add(float64(res.Success))
	d.metrics.Notifications.WithLabelValues(string(ch.Name()), "failed").Add(float64(res.Failure))

	out := batchOutcome{BatchResult: res}
	for _, token := range res.Unregistered {
		if err := d.subs.Deactivate(ctx, token); err != nil {
			d.logger.Warn("deactivate token failed", "channel", string(ch.Name()), "error", err)
			continue
		}
		out.deactivated++
		d.metrics.TokensDeactivated.Inc()
	}

	d.record(ctx, AuditEntry{
		ID:         uuid.NewString(),
		At:         d.opts.Clock.Now(),
		EventID:    eventID,
		Channel:    ch.Name(),
		Status:     status(res),
		ErrorCode:  res.ErrorCode,
		Recipients: len(tokens),
		Success:    res.Success,
		Failure:    res.Failure,
	})
	return out
}

// record persists an audit entry best-effort.
func (d *Dispatcher) record(ctx context.Context, e AuditEntry) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Record(ctx, e); err != nil {
		d.logger.Warn("audit write failed", "event_id", e.EventID, "error", err)
	}
}

func status(r BatchResult) string {
	switch {
	case r.Failure == 0:
		return StatusSuccess
	case r.Success == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

func chunk(tokens []string, size int) [][]string {
	var out [][]string
	for len(tokens) > size {
		out = append(out, tokens[:size:size])
		tokens = tokens[size:]
	}
	if len(tokens) > 0 {
		out = append(out, tokens)
	}
	return out
}
