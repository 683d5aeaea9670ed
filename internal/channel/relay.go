package channel

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// Relay maintains a websocket connection to the remote store's push feed and
// republishes decoded events on the hub. Malformed payloads are logged and
// dropped; they never propagate past this boundary.
type Relay struct {
	url    string
	hub    *Hub
	logger *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a relay for the given websocket endpoint.
func NewRelay(url string, hub *Hub, logger *zap.Logger) *Relay {
	return &Relay{url: url, hub: hub, logger: logger}
}

// Start connects and begins pumping events until ctx is cancelled or Stop is
// called. Connection drops are retried with exponential backoff.
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx)
}

// Stop tears the relay down and waits for the pump goroutine to exit.
func (r *Relay) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.mu.Lock()
	if r.conn != nil {
		_ = r.conn.Close()
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)

	delay := reconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.url, nil)
		if err != nil {
			r.logger.Warn("realtime dial failed", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}

		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()
		r.logger.Info("realtime connected", zap.String("url", r.url))
		delay = reconnectBaseDelay

		r.pump(ctx, conn)

		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
		_ = conn.Close()
	}
}

func (r *Relay) pump(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("realtime read failed", zap.Error(err))
			}
			return
		}

		evt, err := Decode(data)
		if err != nil {
			r.logger.Warn("dropping malformed push payload", zap.Error(err))
			continue
		}
		r.hub.Publish(evt)
	}
}
