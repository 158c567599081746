// Package store defines the engine's view of the externally owned relational
// schema: the Instance/Broadcast/Message/BroadcastLog/User/Contact rows the
// dashboard tier authors and the engine reads and writes. The engine never
// owns migrations; it only ever reads and writes rows through the Store
// interface below.
package store

import "time"

// InstanceStatus mirrors the Socket Supervisor's persisted state.
type InstanceStatus string

const (
	InstanceDisconnected  InstanceStatus = "DISCONNECTED"
	InstanceInitializing  InstanceStatus = "INITIALIZING"
	InstanceQRReady       InstanceStatus = "QR_READY"
	InstanceConnected     InstanceStatus = "CONNECTED"
	InstanceDisconnecting InstanceStatus = "DISCONNECTING"
)

// BroadcastStatus is the campaign lifecycle state.
type BroadcastStatus string

const (
	BroadcastPending             BroadcastStatus = "PENDING"
	BroadcastRunning              BroadcastStatus = "RUNNING"
	BroadcastPausedRateLimit      BroadcastStatus = "PAUSED_RATE_LIMIT"
	BroadcastPausedWorkingHours   BroadcastStatus = "PAUSED_WORKING_HOURS"
	BroadcastPausedNoCredit       BroadcastStatus = "PAUSED_NO_CREDIT"
	BroadcastCompleted            BroadcastStatus = "COMPLETED"
	BroadcastFailed                BroadcastStatus = "FAILED"
)

// MessageStatus is one-way: PENDING -> {SENT, FAILED}.
type MessageStatus string

const (
	MessagePending MessageStatus = "PENDING"
	MessageSent    MessageStatus = "SENT"
	MessageFailed  MessageStatus = "FAILED"
)

// ContactStatus tracks Verification Worker progress.
type ContactStatus string

const (
	ContactPending  ContactStatus = "PENDING"
	ContactVerified ContactStatus = "VERIFIED"
	ContactInvalid  ContactStatus = "INVALID"
)

// Instance is one tenant's paired session.
type Instance struct {
	ID          string
	PhoneNumber string
	Name        string
	Status      InstanceStatus
	QRCode      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	UserIDs     []string // many-to-many owning users
}

// Broadcast is one authored campaign.
type Broadcast struct {
	ID               string
	UserID           string
	InstanceID       string
	Name             string
	Message          string
	ImageURL         string
	Status           BroadcastStatus
	Total            int
	Sent             int
	Failed           int
	DelayMin         int // seconds
	DelayMax         int // seconds
	DailyLimit       int // 0 = unlimited
	WorkingHourStart int // 0-23
	WorkingHourEnd   int // 0-23
	IsTurboMode      bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Message is one recipient slot.
type Message struct {
	ID             string
	BroadcastID    string
	Recipient      string
	Status         MessageStatus
	SentAt         *time.Time
	Error          string
	Content        string
	AntiBannedMeta map[string]any
	UpdatedAt      time.Time
}

// BroadcastLog is an append-only structured trace event.
type BroadcastLog struct {
	BroadcastID string
	Action      string
	Detail      string
	CreatedAt   time.Time
}

// User holds the fields relevant to the core.
type User struct {
	ID     string
	Credit int
}

// Contact is a recipient pending verification.
type Contact struct {
	ID     string
	UserID string
	Phone  string
	Status ContactStatus
}

// Store is the engine's sole view of the external relational schema. Every
// method is safe for concurrent use; implementations must give the grouped
// writes described per-method (e.g. Message + Broadcast counters + User
// credit) transactional semantics, i.e. readers never observe a partially
// applied group.
type Store interface {
	GetInstance(id string) (Instance, error)
	// ClaimInitializingInstances returns up to limit INITIALIZING instances
	// that have at least one linked user and are not already excluded
	// (owned by the caller's in-process pool).
	ClaimInitializingInstances(limit int, exclude map[string]bool) ([]Instance, error)
	UpdateInstanceStatus(id string, status InstanceStatus, qrCode string) error
	ListInstancesByStatus(status InstanceStatus) ([]Instance, error)

	// ClaimBroadcast returns the oldest PENDING or RUNNING broadcast for
	// instanceID, plus its owning user and up to batchSize PENDING
	// messages, in claim order.
	ClaimBroadcast(instanceID string, batchSize int) (*Broadcast, *User, []Message, error)
	UpdateBroadcastStatus(id string, status BroadcastStatus) error
	// ResumePausedBroadcasts flips every PAUSED_RATE_LIMIT/PAUSED_WORKING_HOURS
	// broadcast of instanceID back to RUNNING, so the Broadcast Processor
	// re-claims them on its next iteration. Called on the supervisor's
	// connection-open transition.
	ResumePausedBroadcasts(instanceID string) error
	// PauseRunningBroadcasts flips every RUNNING broadcast of instanceID to
	// PAUSED_RATE_LIMIT. Called on a close-driven rate-limit classification,
	// before the socket has a processor to observe the pause itself.
	PauseRunningBroadcasts(instanceID string) error
	IncrementBroadcastCounters(id string, sentDelta, failedDelta int) error
	PendingMessageCount(broadcastID string) (int, error)

	UpdateMessageSent(id string, content string, meta map[string]any) error
	UpdateMessageFailed(id string, reason string) error

	DecrementCredit(userID string, by int) error

	AppendLog(log BroadcastLog) error

	ClaimPendingContacts(limit int) ([]Contact, error)
	UpdateContactStatus(id string, status ContactStatus) error
}
