package database

import (
	"context"

	"pingpick/internal/models"
)

// ListNoShowsByProvider returns the provider's no-show reports, latest first.
func (db *DB) ListNoShowsByProvider(ctx context.Context, providerID string) ([]*models.NoShow, error) {
	rows, err := db.QueryContext(ctx, `SELECT ping_id, provider_id, requester_id, item_name,
				reservation_minutes, reserved_at, expired_at
			FROM no_show_events WHERE provider_id = ? ORDER BY expired_at DESC`, providerID)
	if err != nil {
		return nil, storeErr("list no-shows", err)
	}
	defer rows.Close()

	var out []*models.NoShow
	for rows.Next() {
		var (
			ns                  models.NoShow
			reservedAt, expired int64
		)
		if err := rows.Scan(&ns.PingID, &ns.ProviderID, &ns.RequesterID, &ns.ItemName,
			&ns.ReservationMinutes, &reservedAt, &expired); err != nil {
			return nil, storeErr("list no-shows", err)
		}
		ns.ReservedAt = fromUnix(reservedAt)
		ns.ExpiredAt = fromUnix(expired)
		out = append(out, &ns)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list no-shows", err)
	}
	return out, nil
}

func (db *DB) CountNoShowsByRequester(ctx context.Context, requesterID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM no_show_events WHERE requester_id = ?`, requesterID).Scan(&n)
	if err != nil {
		return 0, storeErr("count no-shows", err)
	}
	return n, nil
}
