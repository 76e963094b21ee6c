package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/starmobile/backend/internal/models"
)

const notificationQueueKey = "notification_queue"

// NotificationDispatcher drains undelivered notification outbox rows to the
// Redis queue consumed by the push gateway. Rows are written inside ledger
// transactions; delivery is asynchronous so its failure can never be confused
// with a ledger-consistency failure.
type NotificationDispatcher struct {
	db        *sql.DB
	redis     *redis.Client
	interval  time.Duration
	batchSize int
}

func NewNotificationDispatcher(db *sql.DB, redisClient *redis.Client, interval time.Duration, batchSize int) *NotificationDispatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &NotificationDispatcher{
		db:        db,
		redis:     redisClient,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run polls the outbox until the context is cancelled.
func (d *NotificationDispatcher) Run(ctx context.Context) {
	if d.redis == nil {
		log.Println("[NOTIFY] Redis unavailable, notification dispatch disabled")
		return
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[NOTIFY] Dispatcher stopped")
			return
		case <-ticker.C:
			if n, err := d.DispatchPending(ctx); err != nil {
				log.Printf("[NOTIFY] Dispatch pass failed: %v", err)
			} else if n > 0 {
				log.Printf("[NOTIFY] Dispatched %d notifications", n)
			}
		}
	}
}

// DispatchPending pushes one batch of undelivered notifications to the queue
// and marks them delivered. A row is marked only after its push succeeds, so
// a crash between the two at worst re-delivers, never drops.
func (d *NotificationDispatcher) DispatchPending(ctx context.Context) (int, error) {
	rows, err := d.db.QueryContext(ctx, `
        SELECT id, user_id, title, body, created_at
        FROM notifications
        WHERE delivered = false
        ORDER BY created_at
        LIMIT $1`, d.batchSize)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	pending := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &n.CreatedAt); err != nil {
			return 0, err
		}
		pending = append(pending, n)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	delivered := 0
	for _, n := range pending {
		data, err := json.Marshal(n)
		if err != nil {
			log.Printf("[NOTIFY] Marshal failed for notification %s: %v", n.ID, err)
			continue
		}
		if err := d.redis.RPush(ctx, notificationQueueKey, data).Err(); err != nil {
			// Queue unavailable, leave the rest pending for the next pass.
			return delivered, err
		}
		if _, err := d.db.ExecContext(ctx,
			`UPDATE notifications SET delivered = true WHERE id = $1`, n.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}
