// Package notification composes and delivers intake e-mails: submission
// confirmations to patients, alerts to the operations inbox and password
// reset codes to staff. Delivery goes through a pluggable Sender (Resend,
// SQS, Kafka or the log) and is never allowed to fail a record write.
package notification

import (
	"errors"
	"time"
)

type NotificationType string

const (
	UserConfirmation NotificationType = "USER_CONFIRMATION"
	AdminAlert       NotificationType = "ADMIN_ALERT"
	PasswordReset    NotificationType = "PASSWORD_RESET"
)

// SubmissionType is what the message is about.
type SubmissionType string

const (
	TypeRequest     SubmissionType = "REQUEST"
	TypeAppointment SubmissionType = "APPOINTMENT"
	TypeAccount     SubmissionType = "ACCOUNT"
)

// Message is the transport-independent request to notify someone.
type Message struct {
	NotificationType NotificationType `json:"notificationType"`
	Type             SubmissionType   `json:"type"`
	Email            string           `json:"email,omitempty"`
	Name             string           `json:"name,omitempty"`
	Data             map[string]any   `json:"data"`
}

var (
	ErrInvalidPayload = errors.New("invalid payload: notificationType and data are required")
	ErrMissingEmail   = errors.New("user email is required for confirmation")
)

// Validate checks the fields every transport relies on.
func (m Message) Validate() error {
	switch m.NotificationType {
	case UserConfirmation, AdminAlert, PasswordReset:
	default:
		return ErrInvalidPayload
	}
	if m.Data == nil {
		return ErrInvalidPayload
	}
	if m.NotificationType != AdminAlert && m.Email == "" {
		return ErrMissingEmail
	}
	switch {
	case m.NotificationType == PasswordReset && m.Type == TypeAccount:
	case m.NotificationType != PasswordReset && (m.Type == TypeRequest || m.Type == TypeAppointment):
	default:
		return ErrInvalidPayload
	}
	return nil
}

// Envelope is a fully rendered e-mail, ready for a Sender.
type Envelope struct {
	ID               string           `json:"id"`
	NotificationType NotificationType `json:"notificationType"`
	Type             SubmissionType   `json:"type"`
	From             string           `json:"from,omitempty"`
	To               string           `json:"to"`
	Subject          string           `json:"subject"`
	HTML             string           `json:"html"`
	CreatedAt        time.Time        `json:"createdAt"`

	// ProviderID is set by senders that get an id back from the provider.
	ProviderID string `json:"-"`
}
