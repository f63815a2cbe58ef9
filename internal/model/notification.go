package model

import "time"

// NotificationStatus tracks delivery of a notification.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "PENDING"
	NotificationSent      NotificationStatus = "SENT"
	NotificationDelivered NotificationStatus = "DELIVERED"
	NotificationRead      NotificationStatus = "READ"
	NotificationExpired   NotificationStatus = "EXPIRED"
	NotificationFailed    NotificationStatus = "FAILED"
)

// Final reports whether the status can no longer change.
func (s NotificationStatus) Final() bool {
	switch s {
	case NotificationRead, NotificationExpired, NotificationFailed:
		return true
	case NotificationPending, NotificationSent, NotificationDelivered:
		return false
	}
	return false
}

// NotificationKind is the reason a customer is contacted.
type NotificationKind string

const (
	KindBookingCancelled  NotificationKind = "BOOKING_CANCELLED"
	KindReturnRequested   NotificationKind = "RETURN_REQUESTED"
	KindTransferOffered   NotificationKind = "TRANSFER_OFFERED"
	KindCompensation      NotificationKind = "COMPENSATION_OFFERED"
	KindSaleOverride      NotificationKind = "SALE_OVERRIDE"
	KindBookingReinstated NotificationKind = "BOOKING_REINSTATED"
)

// Channel is the medium a notification is sent through.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
	ChannelInApp Channel = "IN_APP"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelInApp:
		return true
	}
	return false
}

// Notification is a message to one customer affected by a transition.
type Notification struct {
	ID               string             `json:"id"`
	RequestID        string             `json:"request_id"`
	ConflictID       string             `json:"conflict_id,omitempty"`
	CustomerID       string             `json:"customer_id"`
	Kind             NotificationKind   `json:"kind"`
	Channel          Channel            `json:"channel"`
	Status           NotificationStatus `json:"status"`
	Payload          map[string]string  `json:"payload"`
	ResponseRequired bool               `json:"response_required"`
	ResponseDeadline *time.Time         `json:"response_deadline,omitempty"`
	Response         string             `json:"response,omitempty"`
	RespondedAt      *time.Time         `json:"responded_at,omitempty"`
	SentAt           *time.Time         `json:"sent_at,omitempty"`
	DeliveredAt      *time.Time         `json:"delivered_at,omitempty"`
	ReadAt           *time.Time         `json:"read_at,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
}

// Responded reports whether the customer answered.
func (n *Notification) Responded() bool {
	return n.RespondedAt != nil
}

// AwaitingResponse reports whether a required response is still open. A read
// receipt alone does not close it; only an answer or expiry does.
func (n *Notification) AwaitingResponse() bool {
	if !n.ResponseRequired || n.Responded() {
		return false
	}
	return n.Status == NotificationRead || !n.Status.Final()
}

// Overdue reports whether a required response is past its deadline.
func (n *Notification) Overdue(now time.Time) bool {
	return n.AwaitingResponse() && n.ResponseDeadline != nil && !now.Before(*n.ResponseDeadline)
}
