// Package queue moves accepted check-in events from the api process to the
// worker, which relays them to external pub/sub consumers.
package queue

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// TypeCheckIn tags messages carrying a broadcast.Event JSON body.
const TypeCheckIn = "checkin"

// ErrFull is returned by Publish when a bounded queue has no room. Events
// are best-effort, so publishers drop rather than block the caller.
var ErrFull = errors.New("queue: full")

// Message represents work to be processed.
type Message struct {
	Type string
	Body []byte
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// InMemory is a channel-backed queue for dev and tests.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size)}
}

// Publish never blocks: with no consumer draining the channel a full queue
// would otherwise stall the check-in handler, so the message is dropped.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrFull
	}
}

func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue is a Redis list-backed queue using LPUSH/BRPOP semantics, so
// events survive an api restart until the worker drains them.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue on the given list key.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "tapin:checkins"
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	return q.client.LPush(ctx, q.key, encode(msg)).Err()
}

func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// redis.Nil means the poll timed out with nothing queued.
				continue
			}
			if len(res) == 2 {
				select {
				case out <- decode([]byte(res[1])):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Messages travel as "type\n<body>". Bodies are JSON and never start a
// line with a bare type tag, so the first newline is an unambiguous split.
func encode(msg Message) []byte {
	out := make([]byte, 0, len(msg.Type)+1+len(msg.Body))
	out = append(out, msg.Type...)
	out = append(out, '\n')
	return append(out, msg.Body...)
}

func decode(data []byte) Message {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return Message{Type: string(data[:i]), Body: data[i+1:]}
	}
	return Message{Body: data}
}
