package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const publishTimeout = 5 * time.Second

// Redis publishes notifications as entries on two Redis streams, one for
// SMS requests and one for administrator alerts.
type Redis struct {
	rdb         *redis.Client
	smsStream   string
	alertStream string
}

// NewRedis connects a client from a redis URL
// (redis://host:port/db) and verifies the connection.
func NewRedis(ctx context.Context, redisURL, smsStream, alertStream string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{rdb: rdb, smsStream: smsStream, alertStream: alertStream}, nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// SendSMS enqueues one SMS request.
func (r *Redis) SendSMS(ctx context.Context, sms SMS) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.smsStream,
		Values: map[string]any{
			"phone":   sms.Phone,
			"message": sms.Message,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish sms: %w", err)
	}
	return nil
}

// AlertAdministrators enqueues one administrator alert.
func (r *Redis) AlertAdministrators(ctx context.Context, event AdminEvent) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if event.At.IsZero() {
		event.At = time.Now()
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}
	err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.alertStream,
		Values: map[string]any{
			"kind":    event.Kind,
			"detail":  event.Detail,
			"payload": string(payload),
			"at":      event.At.Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
