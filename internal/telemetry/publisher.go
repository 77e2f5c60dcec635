// Package telemetry implements the Telemetry Publisher: a pure subscriber of
// the External Adapter's event bus that mirrors every observable onto a
// Redis Stream for dashboards and offline analysis. It holds no state the
// Bridge or drivers ever read back.
package telemetry

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/hadefuwa/rpi-dobot-sub000/internal/adapter"
)

const eventStream = "bridge:events"

// Event is the wire shape pushed to the stream: Kind mirrors one of the
// External Adapter's observable names, RobotTimestamp is when this process
// observed it (milliseconds since epoch), and Payload carries the
// kind-specific fields verbatim from the adapter.Event.
type Event struct {
	Kind           string         `msgpack:"kind"`
	RobotTimestamp int64          `msgpack:"robot_timestamp"`
	Payload        map[string]any `msgpack:"payload"`
}

// Publisher subscribes to all event kinds and XAdds a msgpack-encoded Event
// per observable. Publish failures are logged and dropped — never retried,
// never surfaced to the Bridge, since this is telemetry, not the source of
// truth.
type Publisher struct {
	client *redis.Client
	logger *zap.Logger

	unsubscribe func()
	stop        chan struct{}
	done        chan struct{}
}

// New connects to redisURL and returns a Publisher, or (nil, err) if the
// connection fails. Callers are expected to treat a connect failure as
// "disable telemetry for this run", per the ambient config contract
// (`telemetry.redisURL` empty or unreachable both degrade gracefully).
func New(redisURL string, logger *zap.Logger) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Publisher{client: client, logger: logger}, nil
}

// Run subscribes to the bus and publishes until Close is called.
func (p *Publisher) Run(bus *adapter.Bus) {
	ch, unsubscribe := bus.Subscribe()
	p.unsubscribe = unsubscribe
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stop:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				p.publish(ev)
			}
		}
	}()
}

func (p *Publisher) publish(ev adapter.Event) {
	payload, err := msgpack.Marshal(Event{
		Kind:           string(ev.Kind),
		RobotTimestamp: time.Now().UnixMilli(),
		Payload:        ev.Payload,
	})
	if err != nil {
		p.logger.Warn("telemetry: failed to encode event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: eventStream,
		MaxLen: 100000,
		Approx: true,
		Values: map[string]interface{}{
			"kind":    string(ev.Kind),
			"payload": payload,
		},
	}).Err()
	if err != nil {
		p.logger.Warn("telemetry: publish failed, dropping event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// Close stops the subscriber loop and releases the Redis connection.
func (p *Publisher) Close() error {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	if p.stop != nil {
		close(p.stop)
		<-p.done
	}
	return p.client.Close()
}
