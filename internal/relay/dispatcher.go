// Package relay decides, per message and destination, whether a delivery is
// owed and whether it should edit the thread's live post or send a fresh one.
// Dispatch is sequential: destination rate limits and edit-before-send
// ordering rule out concurrency here.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"sms-code-relay-go/internal/metrics"
	"sms-code-relay-go/internal/models"
	"sms-code-relay-go/internal/telegram"
)

// Messenger performs the destination send/edit calls.
type Messenger interface {
	Send(ctx context.Context, chatID, text, copyValue string) (int64, error)
	Edit(ctx context.Context, chatID string, messageID int64, text, copyValue string) (int64, error)
}

// StateStore persists the day state after every message's delivery attempts.
type StateStore interface {
	SaveDayState(*models.DayState) error
}

// Dispatcher delivers messages to their owed destinations
type Dispatcher struct {
	messenger   Messenger
	renderer    Renderer
	store       StateStore
	metrics     *metrics.Metrics
	minInterval time.Duration
	limiters    map[string]*rate.Limiter
	invalid     map[string]struct{}
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
}

// New creates a dispatcher. minInterval is the leaky-bucket spacing between
// fresh sends to the same destination.
func New(messenger Messenger, renderer Renderer, store StateStore, m *metrics.Metrics, minInterval time.Duration) *Dispatcher {
	return &Dispatcher{
		messenger:   messenger,
		renderer:    renderer,
		store:       store,
		metrics:     m,
		minInterval: minInterval,
		limiters:    map[string]*rate.Limiter{},
		invalid:     map[string]struct{}{},
		sleep:       sleepCtx,
		now:         time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ResetInvalid clears the lifetime destination blacklist, used when the
// destination list is hot-reloaded.
func (d *Dispatcher) ResetInvalid() {
	d.invalid = map[string]struct{}{}
}

// InvalidCount reports how many destinations are currently blacklisted.
func (d *Dispatcher) InvalidCount() int {
	return len(d.invalid)
}

// Owed returns the destinations still owed a delivery for the message:
// configured minus already-delivered minus blacklisted.
func (d *Dispatcher) Owed(state *models.DayState, msg models.Message, destinations []models.Destination) []models.Destination {
	key := msg.Key()
	var owed []models.Destination
	for _, dest := range destinations {
		if _, bad := d.invalid[dest.ChatID]; bad {
			continue
		}
		if state.Delivered(key, dest.ChatID) {
			continue
		}
		owed = append(owed, dest)
	}
	return owed
}

// Dispatch delivers one message to each owed destination, preferring an edit
// of the thread's live post, and persists the outcome before returning.
// Failures are per destination and never abort the rest.
func (d *Dispatcher) Dispatch(ctx context.Context, state *models.DayState, msg models.Message, owed []models.Destination) error {
	if len(owed) == 0 {
		return nil
	}

	text, copyValue := d.renderer.Render(msg)
	msgKey := msg.Key()
	threadKey := msg.ThreadKey()

	var deliveries []models.DeliveryRecord
	for _, dest := range owed {
		if _, bad := d.invalid[dest.ChatID]; bad {
			continue
		}
		select {
		case <-ctx.Done():
			// Finish persisting what already succeeded; do not start new sends.
			return d.persist(state, msg, msgKey, threadKey, copyValue, deliveries)
		default:
		}

		messageID, action, err := d.deliverOne(ctx, state, dest, threadKey, text, copyValue)
		if err != nil {
			continue
		}

		deliveries = append(deliveries, models.DeliveryRecord{
			Destination: dest.Name,
			ChatID:      dest.ChatID,
			MessageID:   messageID,
			Action:      action,
		})
		logrus.Infof("%s ok | destination=%s | message_id=%d | code=%s", action, dest.Name, messageID, copyValue)
	}

	return d.persist(state, msg, msgKey, threadKey, copyValue, deliveries)
}

// deliverOne attempts edit-then-send for a single destination.
func (d *Dispatcher) deliverOne(ctx context.Context, state *models.DayState, dest models.Destination, threadKey, text, copyValue string) (int64, string, error) {
	if prevID, ok := state.LatestHandle(threadKey, dest.ChatID); ok {
		messageID, err := d.messenger.Edit(ctx, dest.ChatID, prevID, text, copyValue)
		if err == nil {
			d.metrics.EditSuccesses.Inc()
			return messageID, "edit", nil
		}
		logrus.Warnf("edit failed | destination=%s | error=%v", dest.Name, err)
	}

	if err := d.limiter(dest.ChatID).Wait(ctx); err != nil {
		return 0, "", err
	}

	messageID, err := d.messenger.Send(ctx, dest.ChatID, text, copyValue)

	var rl *telegram.RateLimitedError
	if errors.As(err, &rl) {
		// Honor the retry-after hint once, then give up for this cycle.
		d.metrics.RateLimitHits.Inc()
		logrus.Warnf("rate limited | destination=%s | retry_after=%s", dest.Name, rl.RetryAfter)
		if sleepErr := d.sleep(ctx, rl.RetryAfter+time.Second); sleepErr != nil {
			return 0, "", sleepErr
		}
		messageID, err = d.messenger.Send(ctx, dest.ChatID, text, copyValue)
	}

	if errors.Is(err, telegram.ErrDestinationGone) {
		d.invalid[dest.ChatID] = struct{}{}
		d.metrics.InvalidDestinations.Set(float64(len(d.invalid)))
		logrus.Errorf("destination disabled | destination=%s | chat_id=%s | error=%v", dest.Name, dest.ChatID, err)
		return 0, "", err
	}
	if err != nil {
		d.metrics.SendFailures.Inc()
		logrus.Errorf("send failed | destination=%s | error=%v", dest.Name, err)
		return 0, "", err
	}

	d.metrics.SendSuccesses.Inc()
	return messageID, "send", nil
}

// persist records successful deliveries in the day state and saves it. A
// message with zero successes stays pending and is retried next cycle.
func (d *Dispatcher) persist(state *models.DayState, msg models.Message, msgKey, threadKey, copyValue string, deliveries []models.DeliveryRecord) error {
	if len(deliveries) == 0 {
		return nil
	}

	state.MarkSeen(msgKey)
	for _, rec := range deliveries {
		state.MarkDelivered(msgKey, rec.ChatID)
		state.SetLatestHandle(threadKey, rec.ChatID, rec.MessageID)
	}
	state.AppendSent(models.SentRecord{
		Number:      msg.Number,
		Code:        copyValue,
		ServiceName: msg.ServiceName,
		Range:       msg.Range,
		Body:        msg.Body,
		ThreadKey:   threadKey,
		Deliveries:  deliveries,
		SentAt:      d.now(),
	})

	d.metrics.MessagesDelivered.Inc()
	return d.store.SaveDayState(state)
}

func (d *Dispatcher) limiter(chatID string) *rate.Limiter {
	lim, ok := d.limiters[chatID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(d.minInterval), 1)
		d.limiters[chatID] = lim
	}
	return lim
}
