package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WakeChannel is the NOTIFY channel used to tell the importer new work exists.
const WakeChannel = "import_tasks_ready"

// Notifier publishes and listens for wake-up notifications across processes.
type Notifier struct {
	pool    *pgxpool.Pool
	channel string
	logger  *slog.Logger
}

func NewNotifier(pool *pgxpool.Pool, logger *slog.Logger) *Notifier {
	return &Notifier{pool: pool, channel: WakeChannel, logger: logger.With("component", "notifier")}
}

func (n *Notifier) Notify(ctx context.Context) error {
	if _, err := n.pool.Exec(ctx, "SELECT pg_notify($1, '')", n.channel); err != nil {
		return fmt.Errorf("notify %s: %w", n.channel, err)
	}
	return nil
}

// Listen holds one pooled connection and calls onNotify for every
// notification until ctx is cancelled.
func (n *Notifier) Listen(ctx context.Context, onNotify func()) error {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{n.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", n.channel, err)
	}
	n.logger.Info("listening for wake-ups", "channel", n.channel)

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		onNotify()
	}
}
