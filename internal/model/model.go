// Package model holds the shared domain types every subsystem (C1-C10)
// operates on. The teacher's equivalent layer was a sqlc-generated
// internal/db package; that generator output was never part of the
// retrieved reference material, so these are hand-written structs scanned
// directly by internal/store, matching the style pkg/apikey and
// pkg/incident already used for the rows sqlc didn't cover.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ProjectMember is one entry of Project.users (spec §3).
type ProjectMember struct {
	UserID uuid.UUID `json:"userId"`
	Role   string    `json:"role"`
}

// Project is the core aggregate (spec §3, I1-I4). ProjectID is the
// globally-unique slug producers and operators address in the URL and
// payload; ID is the internal surrogate key used for foreign keys.
type Project struct {
	ID        uuid.UUID       `json:"-"`
	ProjectID string          `json:"projectId"`
	OwnerID   uuid.UUID       `json:"ownerId"`
	Users     []ProjectMember `json:"users"`
	Version   int32           `json:"-"` // optimistic concurrency token (spec §5)
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// MemberRole returns the role of userID within the project, and whether
// they are a member at all.
func (p *Project) MemberRole(userID uuid.UUID) (string, bool) {
	for _, m := range p.Users {
		if m.UserID == userID {
			return m.Role, true
		}
	}
	return "", false
}

// ApiKeyConstraints is the sum of optional predicates C1 evaluates (spec
// §3, §4.1). An absent predicate is represented by a nil/empty slice or
// pointer and passes vacuously.
type ApiKeyConstraints struct {
	AllowedIPs            []string   `json:"ipRestrictions,omitempty"`
	AllowedReferers       []string   `json:"refererRestrictions,omitempty"`
	AllowedOrigins        []string   `json:"originRestrictions,omitempty"`
	AllowedUserAgentRegex []string   `json:"userAgentRestrictions,omitempty"`
	AllowedEnvironments   []string   `json:"allowedEnvironments,omitempty"`
	ExpirationDate        *time.Time `json:"expirationDate,omitempty"`

	// Accepted but not enforced by the core (spec §4.1, documented non-goal).
	RequestsPerMinute *int `json:"requestsPerMinute,omitempty"`
	RequestsPerHour   *int `json:"requestsPerHour,omitempty"`
	RequestsPerDay    *int `json:"requestsPerDay,omitempty"`
}

// ApiKey is one entry of Project.apiKeys (spec §3, I3).
type ApiKey struct {
	ID          uuid.UUID         `json:"id"`
	ProjectID   uuid.UUID         `json:"-"`
	KeyHash     string            `json:"-"`
	KeyPrefix   string            `json:"keyPrefix"`
	Description string            `json:"description"`
	Constraints ApiKeyConstraints `json:"constraints"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// LogType enumerates the two values I7 permits.
const (
	LogTypeApplication = "application"
	LogTypeSystem      = "system"
)

// Log is a single ingested record (spec §3, I5-I7).
type Log struct {
	ID              uuid.UUID      `json:"id"`
	ProjectID       uuid.UUID      `json:"-"`
	ProjectSlug     string         `json:"projectId"`
	Level           string         `json:"level"`
	Environment     string         `json:"environment"`
	Category        string         `json:"category"`
	LogType         string         `json:"logType"`
	Hostname        string         `json:"hostname,omitempty"`
	Message         string         `json:"message"`
	StackTrace      []StackFrame   `json:"stackTrace,omitempty"`
	RawStackTrace   string         `json:"-"` // serialized StackTrace, used for text search
	Details         map[string]any `json:"details,omitempty"`
	DetailString    *string        `json:"detailString"`
	TimestampMS     int64          `json:"timestampMS"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// StackFrame is one record in an ordered stack trace.
type StackFrame struct {
	Function string `json:"function,omitempty"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Raw      string `json:"raw,omitempty"`
}

// User is the narrow read contract the core needs from the external user
// registry (spec §6): identity and account-creation time for the billing
// window calculator (C2).
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// UsageMetadata is the read-through cached join described in spec §4.5
// step 6: {userCreatedAt, subscriptionPlanId, logLimit, projectLimit}.
// A nil LogLimit means unlimited (spec §4.3).
type UsageMetadata struct {
	UserCreatedAt      time.Time `json:"userCreatedAt"`
	SubscriptionPlanID string    `json:"subscriptionPlanId"`
	LogLimit           *int64    `json:"logLimit"`
	ProjectLimit       *int64    `json:"projectLimit"`
}

// AlarmDelivery holds the configured delivery methods for a ProjectAlarm.
// Exactly the three shapes from spec §3: email, slack (webhook), webhook.
type AlarmDelivery struct {
	EmailAddresses []string `json:"emailAddresses,omitempty"`
	SlackWebhook   string   `json:"slackWebhook,omitempty"`
	WebhookURL     string   `json:"webhookUrl,omitempty"`
}

// ProjectAlarm is one configured alarm (spec §3, §4.6).
type ProjectAlarm struct {
	ID             uuid.UUID     `json:"id"`
	ProjectID      uuid.UUID     `json:"-"`
	LogType        string        `json:"logType"`
	MessagePattern string        `json:"message,omitempty"`
	Levels         []string      `json:"level"`
	Environment    string        `json:"environment"`
	Categories     []string      `json:"categories,omitempty"`
	Delivery       AlarmDelivery `json:"deliveryMethods"`
}
