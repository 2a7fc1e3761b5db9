package models

import "time"

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Ping is a single broadcast request for an item.
type Ping struct {
	ID                string             `json:"id"`
	ItemName          string             `json:"itemName"`
	Urgency           string             `json:"urgency"`
	RequesterID       string             `json:"requesterId"`
	Location          Location           `json:"location"`
	RadiusKm          float64            `json:"radiusKm"`
	Status            string             `json:"status"` // open, committed, completed, expired, cancelled
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
	Version           int64              `json:"version"`
	CommittedResponse *CommittedResponse `json:"committedResponse,omitempty"`
	CompletedBy       string             `json:"completedBy,omitempty"`
}

// CommittedResponse is the snapshot of the winning Response. Set once, never changed.
type CommittedResponse struct {
	ProviderID         string    `json:"providerId"`
	ProviderName       string    `json:"providerName"`
	DistanceKm         float64   `json:"distanceKm"`
	Price              float64   `json:"price"`
	Address            string    `json:"address,omitempty"`
	Phone              string    `json:"phone,omitempty"`
	ReservationMinutes int       `json:"reservationMinutes"`
	RespondedAt        time.Time `json:"respondedAt"`
}

// ExpiresAt is the hold deadline. Tracker and Sweeper both go through here.
func (c *CommittedResponse) ExpiresAt() time.Time {
	return c.RespondedAt.Add(time.Duration(c.ReservationMinutes) * time.Minute)
}

// Response is a provider's answer to a Ping.
type Response struct {
	PingID             string    `json:"pingId"`
	ProviderID         string    `json:"providerId"`
	ProviderName       string    `json:"providerName,omitempty"`
	Available          bool      `json:"available"`
	ReservationMinutes *int      `json:"reservationMinutes,omitempty"`
	DistanceKm         float64   `json:"distanceKm,omitempty"`
	Price              float64   `json:"price,omitempty"`
	Address            string    `json:"address,omitempty"`
	Phone              string    `json:"phone,omitempty"`
	RespondedAt        time.Time `json:"respondedAt"`
}

// Snapshot builds the committed snapshot of an available response.
func (r *Response) Snapshot() *CommittedResponse {
	minutes := 0
	if r.ReservationMinutes != nil {
		minutes = *r.ReservationMinutes
	}
	return &CommittedResponse{
		ProviderID:         r.ProviderID,
		ProviderName:       r.ProviderName,
		DistanceKm:         r.DistanceKm,
		Price:              r.Price,
		Address:            r.Address,
		Phone:              r.Phone,
		ReservationMinutes: minutes,
		RespondedAt:        r.RespondedAt,
	}
}
