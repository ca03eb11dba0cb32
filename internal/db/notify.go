package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"intake-assistant/pkg"
)

// CallEvent is published whenever a call changes status.
type CallEvent struct {
	CallID         string         `json:"call_id"`
	ConversationID string         `json:"conversation_id"`
	FirmID         string         `json:"firm_id"`
	Status         pkg.CallStatus `json:"status"`
	Urgency        pkg.Urgency    `json:"urgency"`
}

// Notifier wraps the LISTEN/NOTIFY mechanism in PostgreSQL.  Dashboards
// listen on the channel to refresh a firm's call list as calls progress.
type Notifier struct {
	DB      *sql.DB
	Channel string
}

// NewNotifier constructs a new Notifier for channel.
func NewNotifier(db *sql.DB, channel string) *Notifier {
	return &Notifier{DB: db, Channel: channel}
}

// Notify publishes ev on the channel.
func (n *Notifier) Notify(ctx context.Context, ev CallEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := n.DB.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.Channel, string(payload)); err != nil {
		return fmt.Errorf("notify %s: %w", n.Channel, err)
	}
	return nil
}

// Listen opens a dedicated listener connection on dsn and delivers decoded
// events until ctx is cancelled.  The returned channel is closed on exit.
func Listen(ctx context.Context, dsn, channel string, logger *slog.Logger) (<-chan CallEvent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	listener := pq.NewListener(dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("call event listener", "event", int(ev), "error", err)
		}
	})
	if err := listener.Listen(channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", pq.QuoteIdentifier(channel), err)
	}

	out := make(chan CallEvent)
	go func() {
		defer func() {
			_ = listener.Close()
			close(out)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				// nil after a reconnect
				if n == nil {
					continue
				}
				var ev CallEvent
				if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
					logger.Warn("bad call event payload", "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-time.After(90 * time.Second):
				if err := listener.Ping(); err != nil {
					logger.Warn("call event listener ping", "error", err)
				}
			}
		}
	}()
	return out, nil
}
