package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"vidflow/internal/logging"
)

const redisChannelPrefix = "vidflow:events:"

// RedisTransport publishes bus messages on redis pub/sub channels named
// after the topic.
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

// DialRedis connects to redis and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (t *RedisTransport) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, redisChannelPrefix+msg.Topic, data).Err()
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

// RunRedisRelay subscribes to every video topic on redis and delivers the
// messages to bus until ctx is cancelled.
func RunRedisRelay(ctx context.Context, client *redis.Client, bus *Bus, logger *slog.Logger) error {
	logger = logging.NewComponentLogger(logger, "redis-relay")
	sub := client.PSubscribe(ctx, redisChannelPrefix+Topic("*"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := decodeMessage([]byte(m.Payload), strings.TrimPrefix(m.Channel, redisChannelPrefix))
			if err != nil {
				logger.Warn("dropping malformed event", logging.String("channel", m.Channel), logging.Error(err))
				continue
			}
			bus.Deliver(msg)
		}
	}
}

// decodeMessage parses a relayed message. fallbackTopic, derived from the
// channel or routing key, fills in a missing topic.
func decodeMessage(data []byte, fallbackTopic string) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	if msg.Event == "" {
		return Message{}, errors.New("event name missing")
	}
	if msg.Topic == "" {
		msg.Topic = fallbackTopic
	}
	if msg.Topic == "" {
		return Message{}, errors.New("topic missing")
	}
	return msg, nil
}
