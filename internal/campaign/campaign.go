// Package campaign owns the lifecycle of a bulk send: creation, the
// scheduled run, per-recipient outcomes and later tracking events.
package campaign

import (
	"errors"
	"fmt"
	"time"

	"github.com/foxzi/mailcast/internal/recipient"
	"github.com/foxzi/mailcast/internal/transport"
)

var (
	// ErrNotFound is returned for an unknown campaign or recipient row
	ErrNotFound = errors.New("not found")
	// ErrExpired is returned for tracking events after the retention window
	ErrExpired = errors.New("tracking window expired")
	// ErrStoreUnavailable wraps every storage backend failure
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrConfigurationInvalid is returned when a campaign cannot be sent as configured
	ErrConfigurationInvalid = errors.New("campaign configuration invalid")
	// ErrAlreadyStarted is returned when starting a campaign twice
	ErrAlreadyStarted = errors.New("campaign already started")
	// ErrRecipientFailed is returned for tracking events on a row whose send failed
	ErrRecipientFailed = errors.New("recipient was not sent")
)

// ConfigError describes why a campaign was rejected at creation
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	return e.Reason
}

func (e *ConfigError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfigurationInvalid}
	}
	return []error{ErrConfigurationInvalid, e.Err}
}

// StoreError wraps a backend failure so that it matches ErrStoreUnavailable
func StoreError(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrStoreUnavailable, op, err)
}

// Status is the lifecycle state of a campaign
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Campaign is one bulk send
type Campaign struct {
	ID           uint64         `json:"id"`
	Name         string         `json:"name"`
	FromName     string         `json:"fromName"`
	FromEmail    string         `json:"fromEmail"`
	Transport    transport.Spec `json:"transport"`
	RotateSMTP   bool           `json:"rotateSmtp"`
	SendSpeed    int            `json:"sendSpeed"`
	TrackOpens   bool           `json:"trackOpens"`
	TrackLinks   bool           `json:"trackLinks"`
	TrackReplies bool           `json:"trackReplies"`

	RecipientCount int    `json:"recipientCount"`
	Status         Status `json:"status"`
	FailureReason  string `json:"failureReason,omitempty"`
	Cancelled      bool   `json:"cancelled,omitempty"`

	Sent    int `json:"sent"`
	Success int `json:"success"`
	Failed  int `json:"failed"`

	Subjects []string `json:"subjects"`
	HTML     string   `json:"html"`
	Warnings []string `json:"warnings,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Method returns the transport method name
func (c *Campaign) Method() string {
	if c.Transport.Config == nil {
		return ""
	}
	return string(c.Transport.Config.Method())
}

// Clone returns a deep copy
func (c *Campaign) Clone() *Campaign {
	out := *c
	out.Subjects = append([]string(nil), c.Subjects...)
	out.Warnings = append([]string(nil), c.Warnings...)
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Redacted returns a copy safe to hand to API clients
func (c *Campaign) Redacted() *Campaign {
	out := c.Clone()
	if out.Transport.Config != nil {
		out.Transport = transport.Spec{Config: out.Transport.Config.Redacted()}
	}
	return out
}

// finish moves the campaign to a terminal status and drops its secrets
func (c *Campaign) finish(status Status, reason string, at time.Time) {
	if c.Status.Terminal() {
		return
	}
	c.Status = status
	c.FailureReason = reason
	c.CompletedAt = &at
	c.UpdatedAt = at
	if c.Transport.Config != nil {
		c.Transport = transport.Spec{Config: c.Transport.Config.Redacted()}
	}
}

// EventKind is a post-send tracking event
type EventKind string

const (
	EventDelivered EventKind = "delivered"
	EventOpened    EventKind = "opened"
	EventClicked   EventKind = "clicked"
	EventReplied   EventKind = "replied"
)

// ParseEventKind validates an event name
func ParseEventKind(s string) (EventKind, error) {
	switch k := EventKind(s); k {
	case EventDelivered, EventOpened, EventClicked, EventReplied:
		return k, nil
	default:
		return "", fmt.Errorf("unknown event %q", s)
	}
}

// EmailStatus is the outcome of one recipient of one campaign
type EmailStatus struct {
	CampaignID    uint64 `json:"campaignId"`
	Index         int    `json:"index"`
	Email         string `json:"email"`
	Subject       string `json:"subject"`
	Credential    string `json:"credential,omitempty"`
	MessageID     string `json:"messageId,omitempty"`
	ProviderID    string `json:"providerId,omitempty"`
	Sent          bool   `json:"sent"`
	Delivered     bool   `json:"delivered"`
	Opened        bool   `json:"opened"`
	Clicked       bool   `json:"clicked"`
	Replied       bool   `json:"replied"`
	Failed        bool   `json:"failed"`
	FailureKind   string `json:"failureKind,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`

	SentAt      *time.Time `json:"sentAt,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	OpenedAt    *time.Time `json:"openedAt,omitempty"`
	ClickedAt   *time.Time `json:"clickedAt,omitempty"`
	RepliedAt   *time.Time `json:"repliedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
}

// ApplyEvent sets the flag and timestamp for kind. The first timestamp
// wins; it returns false when the event was already recorded. Rows of
// failed sends take no events and yield ErrRecipientFailed.
func ApplyEvent(row *EmailStatus, kind EventKind, at time.Time) (bool, error) {
	if row.Failed {
		return false, ErrRecipientFailed
	}

	var flag *bool
	var ts **time.Time

	switch kind {
	case EventDelivered:
		flag, ts = &row.Delivered, &row.DeliveredAt
	case EventOpened:
		flag, ts = &row.Opened, &row.OpenedAt
	case EventClicked:
		flag, ts = &row.Clicked, &row.ClickedAt
	case EventReplied:
		flag, ts = &row.Replied, &row.RepliedAt
	default:
		return false, fmt.Errorf("unknown event kind %q", kind)
	}

	if *flag {
		return false, nil
	}
	*flag = true
	*ts = &at
	return true, nil
}

// Request is the input to Manager.Create
type Request struct {
	Name         string
	FromName     string
	FromEmail    string
	Transport    transport.Config
	SendSpeed    int
	TrackOpens   bool
	TrackLinks   bool
	TrackReplies bool
	Subjects     []string
	HTML         string
	Recipients   []recipient.Record
}

// StatusSnapshot is the aggregate state of a campaign
type StatusSnapshot struct {
	CampaignID uint64 `json:"campaignId"`
	Status     Status `json:"status"`
	Total      int    `json:"total"`
	Sent       int    `json:"sent"`
	Success    int    `json:"success"`
	Failed     int    `json:"failed"`
	Completed  bool   `json:"completed"`
	Cancelled  bool   `json:"cancelled,omitempty"`
}

// Snapshot returns the aggregate state
func (c *Campaign) Snapshot() StatusSnapshot {
	return StatusSnapshot{
		CampaignID: c.ID,
		Status:     c.Status,
		Total:      c.RecipientCount,
		Sent:       c.Sent,
		Success:    c.Success,
		Failed:     c.Failed,
		Completed:  c.Status.Terminal(),
		Cancelled:  c.Cancelled,
	}
}

// ListFilter narrows List
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}
