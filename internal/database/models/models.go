package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Campaign statuses. Transitions are monotonic toward COMPLETED/CANCELLED
// except for the SCHEDULED/RUNNING/PAUSED triangle.
const (
	CampaignScheduled = "SCHEDULED"
	CampaignRunning   = "RUNNING"
	CampaignPaused    = "PAUSED"
	CampaignCancelled = "CANCELLED"
	CampaignCompleted = "COMPLETED"
)

// Contact call statuses.
const (
	CallNotCalled = "NOT_CALLED"
	CallCalling   = "CALLING"
	CallSuccess   = "SUCCESS"
	CallFailed    = "FAILED"
)

// Commitment sources.
const (
	CommitmentAutomatic = "AUTOMATIC"
	CommitmentManual    = "MANUAL"
)

// User roles.
const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleCallCenter = "callcenter"
	RoleUser       = "user"
)

// Break end reasons.
const (
	BreakReturned     = "RETURNED"
	BreakDisconnected = "DISCONNECTED"
	BreakForced       = "FORCED_BY_SUPERVISOR"
	BreakStillActive  = "STILL_ACTIVE"
)

// Agent call event types, persisted for audit and the finished dedupe check.
const (
	CallEventAssigned        = "ASSIGNED"
	CallEventConnected       = "CONNECTED"
	CallEventTimeout         = "TIMEOUT"
	CallEventClientAbandoned = "CLIENT_ABANDONED"
	CallEventFinished        = "FINISHED"
)

// Campaign is an outbound voice campaign owned by a user.
type Campaign struct {
	ID              int64
	Name            string
	StartDate       time.Time
	EndDate         time.Time
	MaxRetries      int
	ConcurrentCalls int
	RetryOnAnswer   bool
	Status          string
	UserID          int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Terminal reports whether the campaign holds no channel budget anymore.
func (c *Campaign) Terminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignCancelled
}

// InWindow reports whether now falls inside the campaign's dialing window.
func (c *Campaign) InWindow(now time.Time) bool {
	return !now.Before(c.StartDate) && now.Before(c.EndDate)
}

// Contact is a single phone destination inside a campaign.
type Contact struct {
	ID              int64
	CampaignID      int64
	Phone           string
	Message         string
	Sequence        int64
	AttemptCount    int
	CallStatus      string
	HangupCode      *string
	HangupCause     *string
	ActiveChannelID *string
	StartedAt       *time.Time
	AnsweredAt      *time.Time
	FinishedAt      *time.Time
	CreatedAt       time.Time
}

// PostCallMenu is the per-campaign IVR menu played after the message.
// Options holds the raw JSON array; use ParseOptions to decode it.
type PostCallMenu struct {
	ID                  int64
	CampaignID          int64
	Active              bool
	Greeting            string
	QueueMessage        string
	ConfirmationMessage string
	ErrorMessage        string
	Options             string // JSON
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Menu option actions.
const (
	ActionTransferAgent     = "transfer_agent"
	ActionPaymentCommitment = "payment_commitment"
)

// Step capture modes.
const (
	CaptureSingleDigit = "single_digit"
	CaptureNumeric     = "numeric"
)

// Step validation rules.
const (
	ValidationNone         = "none"
	ValidationDay1To28     = "day_1_28"
	ValidationDayLaborable = "day_laborable"
)

// MenuOption is one selectable entry of a post-call menu.
type MenuOption struct {
	Key    string     `json:"key"`
	Action string     `json:"action"`
	Text   string     `json:"text"`
	Steps  []MenuStep `json:"steps"`
}

// MenuStep is one prompt/capture/validate unit inside a menu option.
type MenuStep struct {
	Prompt       string `json:"prompt"`
	Capture      string `json:"capture"`
	MaxDigits    int    `json:"maxDigits,omitempty"`
	Validation   string `json:"validation"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	SaveAs       string `json:"saveAs"`
}

// ParseOptions decodes the menu's option list.
func (m *PostCallMenu) ParseOptions() ([]MenuOption, error) {
	if m.Options == "" {
		return nil, nil
	}
	var opts []MenuOption
	if err := json.Unmarshal([]byte(m.Options), &opts); err != nil {
		return nil, fmt.Errorf("parsing menu options: %w", err)
	}
	return opts, nil
}

// Commitment is a payment promise captured through the IVR or by an agent.
type Commitment struct {
	ID             int64
	ContactID      int64
	CampaignID     int64
	CommitmentDate time.Time
	Source         string
	AgentID        *int64
	Note           string
	CreatedAt      time.Time
}

// User is a platform account. Call-center agents have role "callcenter"
// and a non-empty extension.
type User struct {
	ID        int64
	Name      string
	Email     string
	Role      string
	Extension string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChannelBudget is the per-user concurrent channel accounting row.
type ChannelBudget struct {
	UserID       int64
	MaxChannels  int
	UsedChannels int
}

// AgentBreak is one entry of the append-only break history.
type AgentBreak struct {
	ID              int64
	UserID          int64
	Reason          string
	InitiatedBy     string
	EndReason       string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds *int
}

// AgentCallEvent is a persisted agent call lifecycle event.
type AgentCallEvent struct {
	ID              int64
	ContactID       int64
	CampaignID      int64
	AgentID         *int64
	EventType       string
	DurationSeconds int
	CreatedAt       time.Time
}
