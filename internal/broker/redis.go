package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Redis implements Broker on Redis lists (RPUSH/BLPOP) and pub/sub
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis connects to Redis and verifies the connection with PING
func NewRedis(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	logger.Info("Connected to redis", slog.String("addr", opts.Addr), slog.Int("db", opts.DB))

	return &Redis{client: client, logger: logger}, nil
}

// NewRedisFromClient wraps an existing client
func NewRedisFromClient(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, logger: logger}
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) PushQueue(ctx context.Context, queue string, payload []byte) error {
	if err := r.client.RPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", queue, err)
	}
	return nil
}

func (r *Redis) PopQueue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	res, err := r.client.BLPop(ctx, timeout, queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTimeout
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from %s: %w", queue, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply with %d elements", len(res))
	}
	return []byte(res[1]), nil
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)

	// Wait for the subscribe confirmation so nothing published afterwards is missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan []byte, subscriptionBuffer),
		done: make(chan struct{}),
	}
	go sub.forward()

	return sub, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) forward() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
