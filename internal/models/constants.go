package models

// Ping statuses.
const (
	StatusOpen      = "open"
	StatusCommitted = "committed"
	StatusCompleted = "completed"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
)

// Urgency levels. Advisory only.
const (
	UrgencyNormal    = "normal"
	UrgencyEmergency = "emergency"
)

// Alert kinds.
const (
	AlertKindResponse    = "response"
	AlertKindReservation = "reservation"
	AlertKindCompletion  = "completion"
	AlertKindNoShow      = "no-show"
)

const (
	// DefaultSweepInterval интервал между проходами sweeper'а
	DefaultSweepInterval = 30 // секунд

	// MinSweepInterval and MaxSweepInterval bound the configured interval.
	MinSweepInterval = 5       // секунд
	MaxSweepInterval = 5 * 60 // секунд

	// DefaultMaxRadiusKm верхняя граница радиуса при расширении поиска
	DefaultMaxRadiusKm = 50

	// DefaultMaxReservationMinutes is the longest hold a provider may offer
	// unless core.max_reservation_minutes says otherwise.
	DefaultMaxReservationMinutes = 24 * 60

	// MaxReservationMinutesCeiling bounds core.max_reservation_minutes.
	MaxReservationMinutesCeiling = 7 * 24 * 60

	// DefaultAlertsLimit сколько алертов отдавать за один запрос
	DefaultAlertsLimit = 100

	// SweepBatchSize сколько просроченных броней обрабатывать за проход
	SweepBatchSize = 200
)

// IsTerminal reports whether no further transition may leave status.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// ValidUrgency reports whether u is a known urgency level.
func ValidUrgency(u string) bool {
	return u == UrgencyNormal || u == UrgencyEmergency
}
