package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the redis pub/sub channel for progress events
const DefaultChannel = "mailcast:progress"

var ErrRelayURL = errors.New("redis url must use redis:// or rediss://")

// OpenRedis connects to redis and checks the connection
func OpenRedis(ctx context.Context, url string) (redis.UniversalClient, error) {
	if !strings.HasPrefix(url, "redis://") && !strings.HasPrefix(url, "rediss://") {
		return nil, ErrRelayURL
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Relay shares events between broadcasters in several processes through
// redis pub/sub. Each relay tags what it publishes with its own origin id
// and ignores its own messages when they come back.
type Relay struct {
	client  redis.UniversalClient
	channel string
	origin  string
	b       *Broadcaster
	out     chan Event
	logger  *slog.Logger
}

// NewRelay attaches a relay to b. Events start flowing once Run is called.
func NewRelay(client redis.UniversalClient, channel string, b *Broadcaster, logger *slog.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Relay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		b:       b,
		out:     make(chan Event, 256),
		logger:  logger.With("component", "broadcast_relay"),
	}
	b.setForward(r.enqueue)
	return r
}

// Origin returns the id this relay stamps on outgoing events
func (r *Relay) Origin() string {
	return r.origin
}

func (r *Relay) enqueue(e Event) {
	if e.Origin != "" {
		return
	}
	e.Origin = r.origin

	select {
	case r.out <- e:
	default:
		r.logger.Warn("relay queue full, dropping event", "type", e.Type, "campaign_id", e.CampaignID)
	}
}

// Run pumps events in both directions until ctx is done
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.logger.Info("progress relay started", "channel", r.channel, "origin", r.origin)

	incoming := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-incoming:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			r.receive(msg.Payload)
		case e := <-r.out:
			r.publish(ctx, e)
		}
	}
}

func (r *Relay) publish(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		r.logger.Error("failed to encode event", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.logger.Warn("failed to publish event", "error", err)
	}
}

// receive delivers a remote event locally without relaying it again
func (r *Relay) receive(payload string) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		r.logger.Warn("ignoring malformed relay payload", "error", err)
		return
	}
	if e.Origin == r.origin {
		return
	}
	r.b.deliver(e)
}
