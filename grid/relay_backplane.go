package grid

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

const DefaultBackplaneChannel = "datagrid:mutations"

// shares one fan-out between relay processes
// payloads are published by every relay and received by every relay,
// including the publisher
type Backplane interface {
	Publish(ctx context.Context, payload []byte) error
	// blocks until ctx is done or the subscription fails
	Run(ctx context.Context, receive func(payload []byte)) error
}

// redis pub/sub backplane. Pub/sub keeps no backlog, which matches
// the relay's no-replay delivery.
type RedisBackplane struct {
	client  *redis.Client
	channel string
}

func NewRedisBackplane(ctx context.Context, redisUrl string, channel string) (*RedisBackplane, error) {
	opts, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	glog.V(1).Infof("[r]redis backplane %s channel=%s\n", opts.Addr, channel)
	return &RedisBackplane{
		client:  client,
		channel: channel,
	}, nil
}

func (self *RedisBackplane) Publish(ctx context.Context, payload []byte) error {
	return self.client.Publish(ctx, self.channel, payload).Err()
}

func (self *RedisBackplane) Run(ctx context.Context, receive func(payload []byte)) error {
	pubsub := self.client.Subscribe(ctx, self.channel)
	defer pubsub.Close()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			HandleError(func() {
				receive([]byte(message.Payload))
			})
		}
	}
}

func (self *RedisBackplane) Close() error {
	return self.client.Close()
}

// backplane for relays in the same process
type MemoryBackplane struct {
	stateLock   sync.Mutex
	subscribers map[chan []byte]bool
	bufferSize  int
}

func NewMemoryBackplane() *MemoryBackplane {
	return &MemoryBackplane{
		subscribers: map[chan []byte]bool{},
		bufferSize:  64,
	}
}

func (self *MemoryBackplane) Publish(ctx context.Context, payload []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for subscriber := range self.subscribers {
		select {
		case subscriber <- payload:
		default:
			glog.Infof("[r]memory backplane drop\n")
		}
	}
	return nil
}

func (self *MemoryBackplane) Run(ctx context.Context, receive func(payload []byte)) error {
	subscriber := make(chan []byte, self.bufferSize)

	self.stateLock.Lock()
	self.subscribers[subscriber] = true
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		delete(self.subscribers, subscriber)
		self.stateLock.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-subscriber:
			HandleError(func() {
				receive(payload)
			})
		}
	}
}

func (self *MemoryBackplane) SubscriberCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.subscribers)
}
