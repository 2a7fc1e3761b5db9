package database

import (
	"context"
	"database/sql"
	"fmt"

	"pingpick/internal/domain"
	"pingpick/internal/models"
)

// respondTarget is what a response needs to know about its ping.
type respondTarget struct {
	requesterID       string
	committedProvider string
}

// checkRespondable rejects responses to missing or terminal pings.
func (db *DB) checkRespondable(ctx context.Context, tx *sql.Tx, pingID string) (respondTarget, error) {
	var (
		status    string
		target    respondTarget
		committed sql.NullString
	)
	err := tx.QueryRowContext(ctx, `SELECT status, requester_id, committed_provider_id FROM pings WHERE id = ?`, pingID).
		Scan(&status, &target.requesterID, &committed)
	if err != nil {
		return respondTarget{}, storeErr(fmt.Sprintf("ping %s", pingID), err)
	}
	if models.IsTerminal(status) {
		return respondTarget{}, fmt.Errorf("%w: ping %s is %s", domain.ErrStaleState, pingID, status)
	}
	target.committedProvider = committed.String
	return target, nil
}

// upsertResponse keeps a provider's latest answer. Callers must not pass the
// provider a ping is committed to: that row backs the committed snapshot.
func upsertResponse(ctx context.Context, tx *sql.Tx, resp *models.Response) error {
	var minutes sql.NullInt64
	if resp.ReservationMinutes != nil {
		minutes = sql.NullInt64{Int64: int64(*resp.ReservationMinutes), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `INSERT INTO responses (
				ping_id, provider_id, provider_name, available, reservation_minutes,
				distance_km, price, address, phone, responded_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(ping_id, provider_id) DO UPDATE SET
				provider_name = excluded.provider_name,
				available = excluded.available,
				reservation_minutes = excluded.reservation_minutes,
				distance_km = excluded.distance_km,
				price = excluded.price,
				address = excluded.address,
				phone = excluded.phone,
				responded_at = excluded.responded_at`,
		resp.PingID,
		resp.ProviderID,
		resp.ProviderName,
		resp.Available,
		minutes,
		resp.DistanceKm,
		resp.Price,
		resp.Address,
		resp.Phone,
		toUnix(resp.RespondedAt),
	)
	if err != nil {
		return storeErr("save response", err)
	}
	return nil
}

// SaveResponse records a response without touching the ping's status.
func (db *DB) SaveResponse(ctx context.Context, resp *models.Response) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin save response", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	target, err := db.checkRespondable(ctx, tx, resp.PingID)
	if err != nil {
		return err
	}
	if target.committedProvider == resp.ProviderID {
		return fmt.Errorf("%w: ping %s is committed to %s", domain.ErrStaleState, resp.PingID, resp.ProviderID)
	}
	if err := upsertResponse(ctx, tx, resp); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("save response", err)
	}
	return nil
}

// ListResponses returns every provider's latest response to a ping, declines included.
func (db *DB) ListResponses(ctx context.Context, pingID string) ([]*models.Response, error) {
	if _, err := db.GetPing(ctx, pingID); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT ping_id, provider_id, provider_name, available, reservation_minutes,
				distance_km, price, address, phone, responded_at
			FROM responses WHERE ping_id = ? ORDER BY responded_at ASC, provider_id ASC`, pingID)
	if err != nil {
		return nil, storeErr("list responses", err)
	}
	defer rows.Close()

	var responses []*models.Response
	for rows.Next() {
		var (
			r           models.Response
			minutes     sql.NullInt64
			respondedAt int64
		)
		if err := rows.Scan(&r.PingID, &r.ProviderID, &r.ProviderName, &r.Available, &minutes,
			&r.DistanceKm, &r.Price, &r.Address, &r.Phone, &respondedAt); err != nil {
			return nil, storeErr("list responses", err)
		}
		if minutes.Valid {
			m := int(minutes.Int64)
			r.ReservationMinutes = &m
		}
		r.RespondedAt = fromUnix(respondedAt)
		responses = append(responses, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list responses", err)
	}
	return responses, nil
}
