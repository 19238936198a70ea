package store

import (
	"fmt"
	"time"
)

// Role is the closed set of actor roles. Moderators are staff accounts and
// never participate in threads.
type Role string

const (
	RoleRequester Role = "requester"
	RoleResponder Role = "responder"
	RoleModerator Role = "moderator"
)

func ParseRole(value string) (Role, error) {
	switch Role(value) {
	case RoleRequester, RoleResponder, RoleModerator:
		return Role(value), nil
	default:
		return "", fmt.Errorf("unknown role %q", value)
	}
}

// Participant reports whether the role can own one side of a thread.
func (r Role) Participant() bool {
	return r == RoleRequester || r == RoleResponder
}

// Other returns the opposite thread side.
func (r Role) Other() Role {
	if r == RoleRequester {
		return RoleResponder
	}
	return RoleRequester
}

type ThreadStatus string

const (
	StatusWaiting  ThreadStatus = "waiting"
	StatusActive   ThreadStatus = "active"
	StatusResolved ThreadStatus = "resolved"
	StatusArchived ThreadStatus = "archived"
)

func ParseThreadStatus(value string) (ThreadStatus, error) {
	switch ThreadStatus(value) {
	case StatusWaiting, StatusActive, StatusResolved, StatusArchived:
		return ThreadStatus(value), nil
	default:
		return "", fmt.Errorf("unknown thread status %q", value)
	}
}

// CanTransition encodes the administrative transitions. The implicit
// waiting -> active flip on append is applied by the store itself.
func (s ThreadStatus) CanTransition(to ThreadStatus) bool {
	switch to {
	case StatusActive:
		return s == StatusWaiting
	case StatusResolved:
		return s == StatusWaiting || s == StatusActive
	case StatusArchived:
		return s != StatusArchived
	default:
		return false
	}
}

type MessageKind string

const (
	KindText   MessageKind = "text"
	KindFile   MessageKind = "file"
	KindImage  MessageKind = "image"
	KindSystem MessageKind = "system"
)

func ParseMessageKind(value string) (MessageKind, error) {
	switch MessageKind(value) {
	case KindText, KindFile, KindImage, KindSystem:
		return MessageKind(value), nil
	default:
		return "", fmt.Errorf("unknown message kind %q", value)
	}
}

type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
)

type Actor struct {
	ID            string
	Role          Role
	Department    string
	CohortYear    *int
	Handle        string
	Email         string
	PasswordHash  string
	LastActiveAt  *time.Time
	DeactivatedAt *time.Time
	CreatedAt     time.Time
}

func (a Actor) Active() bool {
	return a.DeactivatedAt == nil
}

type Thread struct {
	ID              string
	RequesterID     string
	ResponderID     string
	Subject         string
	Department      string
	Status          ThreadStatus
	RequesterUnread int
	ResponderUnread int
	MessageCount    int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastMessageAt   time.Time
}

// UnreadFor returns the unread counter owned by side.
func (t Thread) UnreadFor(side Role) int {
	if side == RoleRequester {
		return t.RequesterUnread
	}
	return t.ResponderUnread
}

type Message struct {
	ID             string
	ThreadID       string
	Seq            int64
	From           Role
	Text           string
	Kind           MessageKind
	DeliveryStatus DeliveryStatus
	CreatedAt      time.Time
}

type Report struct {
	ID               string
	SubjectMessageID *string
	SubjectThreadID  *string
	ReasonCode       string
	Comment          string
	ReportedByHandle string
	CreatedAt        time.Time
	Resolved         bool
	ResolvedBy       *string
	ResolvedAt       *time.Time
}

// AuditEvent records a use of the moderator capability.
type AuditEvent struct {
	ID           int64
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	CreatedAt    time.Time
}

type ThreadOrder string

const (
	OrderCreatedAt     ThreadOrder = "createdAt"
	OrderUpdatedAt     ThreadOrder = "updatedAt"
	OrderLastMessageAt ThreadOrder = "lastMessageAt"
)

func ParseThreadOrder(value string) (ThreadOrder, error) {
	switch ThreadOrder(value) {
	case "":
		return OrderCreatedAt, nil
	case OrderCreatedAt, OrderUpdatedAt, OrderLastMessageAt:
		return ThreadOrder(value), nil
	default:
		return "", fmt.Errorf("unknown thread order %q", value)
	}
}

// ThreadFilter scopes a thread listing to one participant. ActorID empty
// with AllThreads set is the moderator listing.
type ThreadFilter struct {
	ActorID    string
	Side       Role
	AllThreads bool
	Limit      int
	Offset     int
	OrderBy    ThreadOrder
	Ascending  bool
}

type MessageFilter struct {
	Limit    int
	Offset   int
	Kind     *MessageKind
	FromTime *time.Time
	ToTime   *time.Time
}

type ReportFilter struct {
	Resolved *bool
	Limit    int
	Offset   int
}
