package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/faceflex/membership/internal/models"
	"github.com/faceflex/membership/pkg/config"
)

// Sink receives subscription rows pushed by the change feed.
// The reconciliation engine satisfies it.
type Sink interface {
	OnStoreChange(rec *models.Subscription)
}

// topic is the change-feed channel for the local subscriptions table.
const topic = "realtime:public:subscriptions"

// message is the phoenix-style frame used by the realtime backend.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

// changePayload is the body of INSERT/UPDATE events.
type changePayload struct {
	Record json.RawMessage `json:"record"`
}

// Listener subscribes to server-side changes of the subscriptions table and
// forwards them into the engine's event loop. This is the second update path
// next to polling; serialization happens in the engine, not here.
type Listener struct {
	cfg  *config.Config
	log  *zap.SugaredLogger
	sink Sink
}

func NewListener(cfg *config.Config, log *zap.SugaredLogger, sink Sink) *Listener {
	return &Listener{cfg: cfg, log: log, sink: sink}
}

// Run connects, consumes, and reconnects with capped backoff until ctx is
// cancelled.
func (l *Listener) Run(ctx context.Context) {
	l.log.Infow("realtime listener started", "url", l.cfg.Realtime.URL)

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = time.Minute
	policy.MaxElapsedTime = 0 // reconnect forever

	for {
		if ctx.Err() != nil {
			l.log.Infow("realtime listener stopped")
			return
		}
		err := l.consume(ctx)
		if ctx.Err() != nil {
			l.log.Infow("realtime listener stopped")
			return
		}
		wait := policy.NextBackOff()
		l.log.Warnw("realtime connection lost", "err", err, "retry_in", wait)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

func (l *Listener) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.cfg.Realtime.URL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()

	join := message{Topic: topic, Event: "phx_join", Payload: json.RawMessage(`{}`), Ref: "1"}
	if err := conn.WriteJSON(join); err != nil {
		return fmt.Errorf("join failed: %w", err)
	}

	// reader pump; writes stay on this goroutine
	msgs := make(chan message)
	readErr := make(chan error, 1)
	go func() {
		defer close(msgs)
		for {
			var m message
			if err := conn.ReadJSON(&m); err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(l.cfg.Realtime.HeartbeatInterval)
	defer heartbeat.Stop()

	ref := 2
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()
		case <-heartbeat.C:
			ref++
			hb := message{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`), Ref: fmt.Sprintf("%d", ref)}
			if err := conn.WriteJSON(hb); err != nil {
				return fmt.Errorf("heartbeat failed: %w", err)
			}
		case err := <-readErr:
			return fmt.Errorf("read failed: %w", err)
		case m, ok := <-msgs:
			if !ok {
				return fmt.Errorf("reader closed")
			}
			l.handle(m)
		}
	}
}

func (l *Listener) handle(m message) {
	switch m.Event {
	case "INSERT", "UPDATE":
		rec, err := decodeChange(m.Payload)
		if err != nil {
			l.log.Warnw("failed to decode change event", "event", m.Event, "err", err)
			return
		}
		if rec != nil {
			l.sink.OnStoreChange(rec)
		}
	case "phx_reply", "presence_state":
		// join acks and presence are noise here
	}
}

// decodeChange extracts the row from an INSERT/UPDATE payload.
func decodeChange(payload json.RawMessage) (*models.Subscription, error) {
	var p changePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	if len(p.Record) == 0 {
		return nil, nil
	}
	var rec models.Subscription
	if err := json.Unmarshal(p.Record, &rec); err != nil {
		return nil, err
	}
	if rec.UserID == "" {
		return nil, nil
	}
	return &rec, nil
}
