package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror republishes bus events onto Redis Pub/Sub so observers outside
// the process (other fabric instances, dashboards) can follow along.
// Delivery is best-effort: a publish failure is logged and dropped.
type RedisMirror struct {
	client  *redis.Client
	channel string
	stop    chan struct{}
	done    chan struct{}
}

// NewRedisMirror connects a mirror to the bus. channel defaults to
// "fabric:events".
func NewRedisMirror(addr, channel string, bus *Bus) *RedisMirror {
	if channel == "" {
		channel = "fabric:events"
	}
	m := &RedisMirror{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.run(bus.Subscribe())
	return m
}

func (m *RedisMirror) run(events chan *Event) {
	defer close(m.done)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			payload, err := evt.JSON()
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := m.client.Publish(ctx, m.channel, payload).Err(); err != nil {
				slog.Debug("redis mirror publish failed", "error", err)
			}
			cancel()
		case <-m.stop:
			return
		}
	}
}

// Close stops the mirror and releases the connection.
func (m *RedisMirror) Close() error {
	close(m.stop)
	<-m.done
	return m.client.Close()
}
