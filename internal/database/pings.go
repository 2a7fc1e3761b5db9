package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pingpick/internal/domain"
	"pingpick/internal/events"
	"pingpick/internal/models"
)

const pingColumns = `id, item_name, urgency, requester_id, lat, lng, radius_km, status,
	created_at, updated_at, version,
	committed_provider_id, committed_provider_name, committed_distance_km, committed_price,
	committed_address, committed_phone, committed_minutes, committed_at, completed_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPing(row rowScanner) (*models.Ping, error) {
	var (
		p                  models.Ping
		createdAt, updated int64
		providerID, name   sql.NullString
		address, phone     sql.NullString
		distance, price    sql.NullFloat64
		minutes, respAt    sql.NullInt64
		completedBy        sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.ItemName, &p.Urgency, &p.RequesterID, &p.Location.Lat, &p.Location.Lng,
		&p.RadiusKm, &p.Status, &createdAt, &updated, &p.Version,
		&providerID, &name, &distance, &price, &address, &phone, &minutes, &respAt, &completedBy,
	)
	if err != nil {
		return nil, err
	}

	p.CreatedAt = fromUnix(createdAt)
	p.UpdatedAt = fromUnix(updated)
	p.CompletedBy = completedBy.String
	if providerID.Valid {
		p.CommittedResponse = &models.CommittedResponse{
			ProviderID:         providerID.String,
			ProviderName:       name.String,
			DistanceKm:         distance.Float64,
			Price:              price.Float64,
			Address:            address.String,
			Phone:              phone.String,
			ReservationMinutes: int(minutes.Int64),
			RespondedAt:        fromUnix(respAt.Int64),
		}
	}
	return &p, nil
}

func (db *DB) CreatePing(ctx context.Context, ping *models.Ping) error {
	query := `INSERT INTO pings (
				id, item_name, urgency, requester_id, lat, lng, radius_km, status,
				created_at, updated_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if ping.UpdatedAt.IsZero() {
		ping.UpdatedAt = ping.CreatedAt
	}
	ping.Version = 1

	_, err := db.ExecContext(ctx, query,
		ping.ID,
		ping.ItemName,
		ping.Urgency,
		ping.RequesterID,
		ping.Location.Lat,
		ping.Location.Lng,
		ping.RadiusKm,
		ping.Status,
		toUnix(ping.CreatedAt),
		toUnix(ping.UpdatedAt),
		ping.Version,
	)
	if err != nil && !isDuplicateKey(err) {
		return storeErr("create ping", err)
	}

	db.notify(events.TopicOpenPings, events.RequesterTopic(ping.RequesterID))
	return nil
}

func (db *DB) GetPing(ctx context.Context, id string) (*models.Ping, error) {
	return db.getPing(ctx, db, id)
}

func (db *DB) getPing(ctx context.Context, q querier, id string) (*models.Ping, error) {
	p, err := scanPing(q.QueryRowContext(ctx, `SELECT `+pingColumns+` FROM pings WHERE id = ?`, id))
	if err != nil {
		return nil, storeErr(fmt.Sprintf("get ping %s", id), err)
	}
	return p, nil
}

// missed explains why a conditional update touched no rows.
func (db *DB) missed(ctx context.Context, q querier, id, want string) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM pings WHERE id = ?`, id).Scan(&status)
	if err != nil {
		return storeErr(fmt.Sprintf("ping %s", id), err)
	}
	return fmt.Errorf("%w: ping %s is %s, expected %s", domain.ErrStaleState, id, status, want)
}

// CommitResponse stores resp and tries open -> committed in one transaction.
// The response row is kept even when the promotion loses. A repeat from the
// committed provider changes nothing.
func (db *DB) CommitResponse(ctx context.Context, resp *models.Response) (bool, error) {
	if !resp.Available {
		return false, db.SaveResponse(ctx, resp)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeErr("begin commit", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	target, err := db.checkRespondable(ctx, tx, resp.PingID)
	if err != nil {
		return false, err
	}

	if target.committedProvider == resp.ProviderID {
		return false, nil
	}
	if err := upsertResponse(ctx, tx, resp); err != nil {
		return false, err
	}

	snap := resp.Snapshot()
	result, err := tx.ExecContext(ctx, `UPDATE pings SET
				status = ?,
				committed_provider_id = ?, committed_provider_name = ?, committed_distance_km = ?,
				committed_price = ?, committed_address = ?, committed_phone = ?,
				committed_minutes = ?, committed_at = ?, expires_at = ?,
				version = version + 1, updated_at = ?
			WHERE id = ? AND status = ?`,
		models.StatusCommitted,
		snap.ProviderID, snap.ProviderName, snap.DistanceKm,
		snap.Price, snap.Address, snap.Phone,
		snap.ReservationMinutes, toUnix(snap.RespondedAt), toUnix(snap.ExpiresAt()),
		toUnix(resp.RespondedAt),
		resp.PingID, models.StatusOpen,
	)
	if err != nil {
		return false, storeErr("commit response", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, storeErr("commit response", err)
	}

	if err := tx.Commit(); err != nil {
		return false, storeErr("commit response", err)
	}

	if rows == 0 {
		return false, nil
	}
	db.notify(events.TopicOpenPings, events.RequesterTopic(target.requesterID))
	return true, nil
}

// ExpandRadius grows radius_km of an open ping. It never touches status.
func (db *DB) ExpandRadius(ctx context.Context, id string, radiusKm float64, at time.Time) error {
	result, err := db.ExecContext(ctx, `UPDATE pings SET radius_km = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND status = ? AND radius_km < ?`,
		radiusKm, toUnix(at), id, models.StatusOpen, radiusKm)
	if err != nil {
		return storeErr("expand radius", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("expand radius", err)
	}
	if rows == 0 {
		p, err := db.GetPing(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != models.StatusOpen {
			return fmt.Errorf("%w: ping %s is %s, expected %s", domain.ErrStaleState, id, p.Status, models.StatusOpen)
		}
		return domain.Invalid("radius %.1f km does not exceed current %.1f km", radiusKm, p.RadiusKm)
	}

	p, err := db.GetPing(ctx, id)
	if err == nil {
		db.notify(events.TopicOpenPings, events.RequesterTopic(p.RequesterID))
	}
	return nil
}

func (db *DB) CancelPing(ctx context.Context, id string, at time.Time) error {
	requesterID, err := db.transition(ctx, id, models.StatusOpen, models.StatusCancelled, at, "")
	if err != nil {
		return err
	}
	db.notify(events.TopicOpenPings, events.RequesterTopic(requesterID))
	return nil
}

func (db *DB) CompletePing(ctx context.Context, id, confirmedBy string, at time.Time) error {
	requesterID, err := db.transition(ctx, id, models.StatusCommitted, models.StatusCompleted, at, confirmedBy)
	if err != nil {
		return err
	}
	db.notify(events.RequesterTopic(requesterID))
	return nil
}

// transition is the plain CAS from -> to, returning the ping's requester.
func (db *DB) transition(ctx context.Context, id, from, to string, at time.Time, completedBy string) (string, error) {
	var requesterID string
	err := db.QueryRowContext(ctx, `UPDATE pings SET status = ?, completed_by = NULLIF(?, ''),
				version = version + 1, updated_at = ?
			WHERE id = ? AND status = ?
			RETURNING requester_id`,
		to, completedBy, toUnix(at), id, from).Scan(&requesterID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", db.missed(ctx, db, id, from)
	}
	if err != nil {
		return "", storeErr(fmt.Sprintf("%s ping %s", to, id), err)
	}
	return requesterID, nil
}

// ExpirePing moves a due committed ping to expired and records the no-show
// in the same transaction.
func (db *DB) ExpirePing(ctx context.Context, id string, now time.Time) (*models.NoShow, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin expire", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `UPDATE pings SET status = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND status = ? AND expires_at <= ?`,
		models.StatusExpired, toUnix(now), id, models.StatusCommitted, toUnix(now))
	if err != nil {
		return nil, storeErr("expire ping", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, storeErr("expire ping", err)
	}
	if rows == 0 {
		p, err := db.getPing(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if p.Status == models.StatusCommitted {
			return nil, fmt.Errorf("%w: ping %s not due until %s", domain.ErrStaleState, id, p.CommittedResponse.ExpiresAt())
		}
		return nil, fmt.Errorf("%w: ping %s is %s, expected %s", domain.ErrStaleState, id, p.Status, models.StatusCommitted)
	}

	p, err := db.getPing(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	ns := &models.NoShow{
		PingID:             p.ID,
		ProviderID:         p.CommittedResponse.ProviderID,
		RequesterID:        p.RequesterID,
		ItemName:           p.ItemName,
		ReservationMinutes: p.CommittedResponse.ReservationMinutes,
		ReservedAt:         p.CommittedResponse.RespondedAt,
		ExpiredAt:          p.CommittedResponse.ExpiresAt(),
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO no_show_events (
				ping_id, provider_id, requester_id, item_name, reservation_minutes, reserved_at, expired_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ns.PingID, ns.ProviderID, ns.RequesterID, ns.ItemName, ns.ReservationMinutes,
		toUnix(ns.ReservedAt), toUnix(ns.ExpiredAt))
	if err != nil {
		return nil, storeErr("record no-show", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("expire ping", err)
	}

	db.notify(events.RequesterTopic(p.RequesterID))
	return ns, nil
}

func (db *DB) queryPings(ctx context.Context, op, query string, args ...any) ([]*models.Ping, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var pings []*models.Ping
	for rows.Next() {
		p, err := scanPing(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		pings = append(pings, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return pings, nil
}

func (db *DB) ListOpenPings(ctx context.Context) ([]*models.Ping, error) {
	return db.queryPings(ctx, "list open pings",
		`SELECT `+pingColumns+` FROM pings WHERE status = ? ORDER BY created_at ASC, id ASC`,
		models.StatusOpen)
}

func (db *DB) ListCommittedByRequester(ctx context.Context, requesterID string) ([]*models.Ping, error) {
	return db.queryPings(ctx, "list committed pings",
		`SELECT `+pingColumns+` FROM pings WHERE requester_id = ? AND status = ? ORDER BY committed_at ASC, id ASC`,
		requesterID, models.StatusCommitted)
}

// ListDueReservations returns committed pings whose hold ran out at or before now.
func (db *DB) ListDueReservations(ctx context.Context, now time.Time, limit int) ([]*models.Ping, error) {
	if limit <= 0 {
		limit = models.SweepBatchSize
	}
	return db.queryPings(ctx, "list due reservations",
		`SELECT `+pingColumns+` FROM pings WHERE status = ? AND expires_at <= ? ORDER BY expires_at ASC LIMIT ?`,
		models.StatusCommitted, toUnix(now), limit)
}

func (db *DB) HasCommittedPing(ctx context.Context, requesterID string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pings WHERE requester_id = ? AND status = ?)`,
		requesterID, models.StatusCommitted).Scan(&exists)
	if err != nil {
		return false, storeErr("has committed ping", err)
	}
	return exists, nil
}
