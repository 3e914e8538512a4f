package broadcast

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher pushes events onto a per-course Redis pub/sub channel so
// dashboards outside this process can follow a session live.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher builds a publisher. Channel names are prefix:courseID.
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "tapin:course"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	body, err := Marshal(evt)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.prefix+":"+evt.CourseID, body).Err()
}
