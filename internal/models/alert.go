package models

import "time"

// Alert is an at-least-once notification fact owned by its recipient.
type Alert struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"-"`
	RecipientID string    `json:"recipientId"`
	Kind        string    `json:"kind"` // response, reservation, completion, no-show
	PingID      string    `json:"pingId"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"createdAt"`
	Read        bool      `json:"read"`
}

// NoShow records one expired reservation for no-show reporting.
type NoShow struct {
	PingID             string    `json:"pingId"`
	ProviderID         string    `json:"providerId"`
	RequesterID        string    `json:"requesterId"`
	ItemName           string    `json:"itemName"`
	ReservationMinutes int       `json:"reservationMinutes"`
	ReservedAt         time.Time `json:"reservedAt"`
	ExpiredAt          time.Time `json:"expiredAt"`
}
