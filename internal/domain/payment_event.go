package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentEvent is the message payload published to RabbitMQ whenever a
// transaction reaches a terminal or checkpoint state. The notification
// service consumes these to render and send user-facing messages.
type PaymentEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	UserEmail     string    `json:"user_email,omitempty"`
	CourseIDs     []string  `json:"course_ids"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
