package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrDeliveryNotFound is returned by a DeliveryStore for an unknown delivery id.
var ErrDeliveryNotFound = errors.New("webhook delivery not found")

// DeliveryStatus is the state of a webhook delivery.
type DeliveryStatus string

const (
	// DeliveryPending indicates more attempts may follow.
	DeliveryPending DeliveryStatus = "pending"

	// DeliverySent indicates the receiver answered with a 2xx status.
	DeliverySent DeliveryStatus = "sent"

	// DeliveryFailed indicates the destination was rejected or every attempt failed.
	DeliveryFailed DeliveryStatus = "failed"
)

// IsTerminal returns true if the delivery will not be attempted again.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliverySent || s == DeliveryFailed
}

// Delivery is the persisted history of one notification.
type Delivery struct {
	ID          string          `json:"id"`
	Event       string          `json:"event"`
	URL         string          `json:"url"`
	Payload     json.RawMessage `json:"payload"`
	Status      DeliveryStatus  `json:"status"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`

	// StatusCode and ResponseBody describe the last response, if any.
	StatusCode   int    `json:"status_code,omitempty"`
	ResponseBody string `json:"response_body,omitempty"`

	// Error is the last network error or the guard rejection reason.
	Error string `json:"error,omitempty"`

	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DeliveryFilter narrows ListDeliveries queries.
type DeliveryFilter struct {
	Event  string
	Status DeliveryStatus
	Limit  int
}

// DeliveryStore persists delivery rows.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d *Delivery) error

	// UpdateDelivery overwrites the mutable fields of an existing delivery.
	UpdateDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)

	// ListDeliveries returns the newest deliveries first.
	ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]Delivery, error)
}
