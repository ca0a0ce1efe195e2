/*
Package notify delivers core events to the outside world.

DISPATCHERS:
  LogDispatcher:   one structured log line per event
  RedisDispatcher: JSON-encoded events RPUSHed onto a Redis list that the
                   external notification worker consumes
  Multi:           fan-out; every dispatcher runs, errors are joined

Templating and channels (WhatsApp, e-mail) belong to the worker.
*/
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/warp/kos-engine/core"
	"github.com/warp/kos-engine/metrics"
)

// DefaultQueue is the Redis list events are pushed onto.
const DefaultQueue = "kos:events"

// LogDispatcher logs events at info level.
type LogDispatcher struct {
	Logger zerolog.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, events ...core.Event) error {
	for _, e := range events {
		d.Logger.Info().
			Str("event_id", e.ID).
			Str("type", string(e.Type)).
			Str("operator_id", string(e.OperatorID)).
			Str("booking_id", string(e.BookingID)).
			Str("payment_id", string(e.PaymentID)).
			Str("withdrawal_id", string(e.WithdrawalID)).
			Interface("attributes", e.Attributes).
			Msg("event")
		metrics.EventsDispatched.WithLabelValues(string(e.Type), "logged").Inc()
	}
	return nil
}

// RedisDispatcher pushes events onto a Redis list.
type RedisDispatcher struct {
	client *redis.Client
	queue  string
}

func NewRedisDispatcher(client *redis.Client, queue string) *RedisDispatcher {
	if queue == "" {
		queue = DefaultQueue
	}
	return &RedisDispatcher{client: client, queue: queue}
}

// Dispatch pushes all events in one RPUSH so they stay in order.
func (d *RedisDispatcher) Dispatch(ctx context.Context, events ...core.Event) error {
	if len(events) == 0 {
		return nil
	}
	payloads := make([]interface{}, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID, err)
		}
		payloads = append(payloads, data)
	}
	if err := d.client.RPush(ctx, d.queue, payloads...).Err(); err != nil {
		for _, e := range events {
			metrics.EventsDispatched.WithLabelValues(string(e.Type), "failed").Inc()
		}
		return fmt.Errorf("push events to %s: %w", d.queue, err)
	}
	for _, e := range events {
		metrics.EventsDispatched.WithLabelValues(string(e.Type), "queued").Inc()
	}
	return nil
}

// Multi fans events out to several dispatchers.
type Multi []core.Dispatcher

func (m Multi) Dispatch(ctx context.Context, events ...core.Event) error {
	var errs []error
	for _, d := range m {
		if d == nil {
			continue
		}
		if err := d.Dispatch(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
