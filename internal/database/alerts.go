package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"pingpick/internal/domain"
	"pingpick/internal/events"
	"pingpick/internal/models"
)

// CreateAlert appends an alert. ID and Seq are assigned here when empty.
func (db *DB) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}

	result, err := db.ExecContext(ctx, `INSERT INTO alerts (id, recipient_id, kind, ping_id, message, created_at, read)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.RecipientID, alert.Kind, alert.PingID, alert.Message, toUnix(alert.CreatedAt), alert.Read)
	if isDuplicateKey(err) {
		// retried append that already landed
		return nil
	}
	if err != nil {
		return storeErr("create alert", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return storeErr("create alert", err)
	}
	alert.Seq = seq

	db.notify(events.AlertTopic(alert.RecipientID))
	return nil
}

// ListAlerts returns the recipient's alerts, newest first.
func (db *DB) ListAlerts(ctx context.Context, recipientID string, limit int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = models.DefaultAlertsLimit
	}

	rows, err := db.QueryContext(ctx, `SELECT seq, id, recipient_id, kind, ping_id, message, created_at, read
			FROM alerts WHERE recipient_id = ? ORDER BY seq DESC LIMIT ?`, recipientID, limit)
	if err != nil {
		return nil, storeErr("list alerts", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		var (
			a         models.Alert
			createdAt int64
		)
		if err := rows.Scan(&a.Seq, &a.ID, &a.RecipientID, &a.Kind, &a.PingID, &a.Message, &createdAt, &a.Read); err != nil {
			return nil, storeErr("list alerts", err)
		}
		a.CreatedAt = fromUnix(createdAt)
		alerts = append(alerts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list alerts", err)
	}
	return alerts, nil
}

func (db *DB) MarkAlertRead(ctx context.Context, recipientID, alertID string) error {
	result, err := db.ExecContext(ctx, `UPDATE alerts SET read = 1 WHERE id = ? AND recipient_id = ?`, alertID, recipientID)
	if err != nil {
		return storeErr("mark alert read", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("mark alert read", err)
	}
	if rows == 0 {
		return fmt.Errorf("alert %s for %s: %w", alertID, recipientID, domain.ErrNotFound)
	}
	db.notify(events.AlertTopic(recipientID))
	return nil
}

func (db *DB) MarkAllAlertsRead(ctx context.Context, recipientID string) (int64, error) {
	result, err := db.ExecContext(ctx, `UPDATE alerts SET read = 1 WHERE recipient_id = ? AND read = 0`, recipientID)
	if err != nil {
		return 0, storeErr("mark all alerts read", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storeErr("mark all alerts read", err)
	}
	if n > 0 {
		db.notify(events.AlertTopic(recipientID))
	}
	return n, nil
}

func (db *DB) DeleteAlerts(ctx context.Context, recipientID string) (int64, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM alerts WHERE recipient_id = ?`, recipientID)
	if err != nil {
		return 0, storeErr("delete alerts", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storeErr("delete alerts", err)
	}
	if n > 0 {
		db.notify(events.AlertTopic(recipientID))
	}
	return n, nil
}
