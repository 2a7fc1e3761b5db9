package models

import "time"

// Reservation is the derived hold view of a committed Ping. It is never stored.
type Reservation struct {
	PingID      string        `json:"pingId"`
	RequesterID string        `json:"requesterId"`
	ProviderID  string        `json:"providerId"`
	ItemName    string        `json:"itemName"`
	Status      string        `json:"status"`
	ReservedAt  time.Time     `json:"reservedAt"`
	ExpiresAt   time.Time     `json:"expiresAt"`
	Remaining   time.Duration `json:"remaining"`
}

// ReservationOf derives the reservation view of p at now.
// ok is false when p has no committed response.
func ReservationOf(p *Ping, now time.Time) (Reservation, bool) {
	if p == nil || p.CommittedResponse == nil {
		return Reservation{}, false
	}

	expiresAt := p.CommittedResponse.ExpiresAt()
	res := Reservation{
		PingID:      p.ID,
		RequesterID: p.RequesterID,
		ProviderID:  p.CommittedResponse.ProviderID,
		ItemName:    p.ItemName,
		Status:      p.Status,
		ReservedAt:  p.CommittedResponse.RespondedAt,
		ExpiresAt:   expiresAt,
	}
	if p.Status == StatusCommitted {
		res.Remaining = Remaining(expiresAt, now)
	}
	return res, true
}

// Remaining returns max(0, expiresAt-now).
func Remaining(expiresAt, now time.Time) time.Duration {
	d := expiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Due reports whether a committed Ping's hold has run out at now.
func Due(p *Ping, now time.Time) bool {
	if p == nil || p.Status != StatusCommitted || p.CommittedResponse == nil {
		return false
	}
	return !p.CommittedResponse.ExpiresAt().After(now)
}
