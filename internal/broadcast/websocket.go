package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WSOptions configures the websocket endpoint
type WSOptions struct {
	// OriginPatterns lists allowed cross-origin hosts; empty allows same origin only
	OriginPatterns []string
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	Buffer         int
	Logger         *slog.Logger
}

// Handler streams events to a websocket client. The optional campaign
// query parameter restricts the stream to one campaign.
func Handler(b *Broadcaster, opts WSOptions) http.Handler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "websocket")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var only uint64
		if v := r.URL.Query().Get("campaign"); v != "" {
			id, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				http.Error(w, "invalid campaign id", http.StatusBadRequest)
				return
			}
			only = id
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.CloseNow()

		sub := b.Subscribe(opts.Buffer)
		defer sub.Close()

		// the stream is one way; CloseRead handles control frames
		ctx := conn.CloseRead(r.Context())

		logger.Debug("websocket client connected", "remote_addr", r.RemoteAddr, "subscribers", b.Count())

		ping := time.NewTicker(opts.PingInterval)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := withTimeout(ctx, opts.WriteTimeout, conn.Ping); err != nil {
					return
				}
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				if only != 0 && e.CampaignID != only {
					continue
				}
				err := withTimeout(ctx, opts.WriteTimeout, func(ctx context.Context) error {
					return wsjson.Write(ctx, conn, e)
				})
				if err != nil {
					logger.Debug("websocket write failed, dropping client", "error", err)
					return
				}
			}
		}
	})
}

func withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}
