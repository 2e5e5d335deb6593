package models

import (
	"time"
)

// CampaignStatus represents the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// MessageStatus represents the delivery state of a single SMS
type MessageStatus string

const (
	StatusQueued      MessageStatus = "queued"
	StatusProcessing  MessageStatus = "processing"
	StatusSent        MessageStatus = "sent"
	StatusDelivered   MessageStatus = "delivered"
	StatusFailed      MessageStatus = "failed"
	StatusUndelivered MessageStatus = "undelivered"
	StatusBlocked     MessageStatus = "blocked"
	StatusPaused      MessageStatus = "paused"
)

// AllMessageStatuses lists every message status in display order
var AllMessageStatuses = []MessageStatus{
	StatusQueued,
	StatusProcessing,
	StatusPaused,
	StatusSent,
	StatusDelivered,
	StatusUndelivered,
	StatusFailed,
	StatusBlocked,
}

// IsPending reports whether the message still awaits a delivery decision
func (s MessageStatus) IsPending() bool {
	return s == StatusQueued || s == StatusProcessing || s == StatusPaused
}

// DefaultMaxRetries is the number of send attempts a message gets
const DefaultMaxRetries = 3

// Campaign is a batch SMS send job targeting one contact list
type Campaign struct {
	ID             string         `json:"id" bson:"_id" yaml:"id"`
	UserID         string         `json:"user_id" bson:"user_id" yaml:"user_id"`
	Name           string         `json:"name,omitempty" bson:"name,omitempty" yaml:"name"`
	ContactListID  string         `json:"contact_list_id" bson:"contact_list_id" yaml:"contact_list_id"`
	Country        string         `json:"country" bson:"country" yaml:"country"`
	Template       string         `json:"template" bson:"template" yaml:"template"`
	ProviderID     string         `json:"provider_id" bson:"provider_id" yaml:"provider_id"`
	SenderID       string         `json:"sender_id,omitempty" bson:"sender_id,omitempty" yaml:"sender_id"`
	Status         CampaignStatus `json:"status" bson:"status" yaml:"status"`
	ContactCount   int            `json:"contact_count" bson:"contact_count" yaml:"contact_count"`
	SentCount      int            `json:"sent_count" bson:"sent_count" yaml:"-"`
	DeliveredCount int            `json:"delivered_count" bson:"delivered_count" yaml:"-"`
	FailedCount    int            `json:"failed_count" bson:"failed_count" yaml:"-"`
	Progress       int            `json:"progress" bson:"progress" yaml:"-"`
	EstimatedCost  float64        `json:"estimated_cost" bson:"estimated_cost" yaml:"-"`
	ActualCost     float64        `json:"actual_cost" bson:"actual_cost" yaml:"-"`
	CreatedAt      time.Time      `json:"created_at" bson:"created_at" yaml:"-"`
	UpdatedAt      time.Time      `json:"updated_at" bson:"updated_at" yaml:"-"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty" bson:"completed_at,omitempty" yaml:"-"`
	// BillingPending marks a completed campaign whose billing has not gone through yet
	BillingPending bool `json:"billing_pending,omitempty" bson:"billing_pending,omitempty" yaml:"-"`

	// Version is bumped on every write and guards optimistic updates
	Version int64 `json:"version" bson:"version" yaml:"-"`
}

// Message is a single SMS addressed to one destination number
type Message struct {
	ID                string        `json:"id" bson:"_id"`
	CampaignID        string        `json:"campaign_id,omitempty" bson:"campaign_id"`
	UserID            string        `json:"user_id" bson:"user_id"`
	ContactID         string        `json:"contact_id,omitempty" bson:"contact_id,omitempty"`
	To                string        `json:"to" bson:"to"`
	SenderID          string        `json:"sender_id,omitempty" bson:"sender_id,omitempty"`
	Content           string        `json:"content" bson:"content"`
	Parts             int           `json:"parts" bson:"parts"`
	ProviderID        string        `json:"provider_id" bson:"provider_id"`
	Cost              float64       `json:"cost" bson:"cost"`
	Prefix            string        `json:"prefix,omitempty" bson:"prefix,omitempty"`
	RateDeckID        string        `json:"rate_deck_id,omitempty" bson:"rate_deck_id,omitempty"`
	Status            MessageStatus `json:"status" bson:"status"`
	RetryCount        int           `json:"retry_count" bson:"retry_count"`
	MaxRetries        int           `json:"max_retries" bson:"max_retries"`
	ProviderMessageID string        `json:"provider_message_id,omitempty" bson:"provider_message_id,omitempty"`
	ProviderResponse  string        `json:"provider_response,omitempty" bson:"provider_response,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty" bson:"error_message,omitempty"`
	CreatedAt         time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at" bson:"updated_at"`
	SentAt            *time.Time    `json:"sent_at,omitempty" bson:"sent_at,omitempty"`
	DeliveredAt       *time.Time    `json:"delivered_at,omitempty" bson:"delivered_at,omitempty"`
	FailedAt          *time.Time    `json:"failed_at,omitempty" bson:"failed_at,omitempty"`
}

// Contact is an entry of a contact list
type Contact struct {
	ID           string `json:"id" bson:"_id" yaml:"id"`
	ListID       string `json:"list_id" bson:"list_id" yaml:"list_id"`
	UserID       string `json:"user_id" bson:"user_id" yaml:"user_id"`
	FirstName    string `json:"first_name,omitempty" bson:"first_name,omitempty" yaml:"first_name"`
	LastName     string `json:"last_name,omitempty" bson:"last_name,omitempty" yaml:"last_name"`
	PhoneNumber  string `json:"phone_number" bson:"phone_number" yaml:"phone_number"`
	Email        string `json:"email,omitempty" bson:"email,omitempty" yaml:"email"`
	Company      string `json:"company,omitempty" bson:"company,omitempty" yaml:"company"`
	CustomField1 string `json:"custom_field1,omitempty" bson:"custom_field1,omitempty" yaml:"custom_field1"`
	CustomField2 string `json:"custom_field2,omitempty" bson:"custom_field2,omitempty" yaml:"custom_field2"`
	CustomField3 string `json:"custom_field3,omitempty" bson:"custom_field3,omitempty" yaml:"custom_field3"`
}

// ProviderKind selects the transport used to reach a carrier
type ProviderKind string

const (
	KindSimulation  ProviderKind = "simulation"
	KindSMSEnvoi    ProviderKind = "smsenvoi"
	KindTwilio      ProviderKind = "twilio"
	KindMessageBird ProviderKind = "messagebird"
	KindAWSSNS      ProviderKind = "aws-sns"
)

// Provider is an SMS carrier account
type Provider struct {
	ID                 string            `json:"id" bson:"_id" yaml:"id"`
	Name               string            `json:"name" bson:"name" yaml:"name"`
	Kind               ProviderKind      `json:"kind" bson:"kind" yaml:"kind"`
	Active             bool              `json:"active" bson:"active" yaml:"active"`
	MessagesPerSecond  int               `json:"messages_per_second" bson:"messages_per_second" yaml:"messages_per_second"`
	MessagesPerMinute  int               `json:"messages_per_minute" bson:"messages_per_minute" yaml:"messages_per_minute"`
	MessagesPerHour    int               `json:"messages_per_hour" bson:"messages_per_hour" yaml:"messages_per_hour"`
	SupportedCountries []string          `json:"supported_countries,omitempty" bson:"supported_countries,omitempty" yaml:"supported_countries"`
	Credentials        map[string]string `json:"credentials,omitempty" bson:"credentials,omitempty" yaml:"credentials"`

	// Simulation settings, only read for KindSimulation
	SimulationType        string  `json:"simulation_type,omitempty" bson:"simulation_type,omitempty" yaml:"simulation_type"`
	SimulationFailureRate float64 `json:"simulation_failure_rate,omitempty" bson:"simulation_failure_rate,omitempty" yaml:"simulation_failure_rate"`
}

// RateDeckAssignment binds a user to the price list used for their sends
type RateDeckAssignment struct {
	ID         string    `json:"id" bson:"_id" yaml:"id"`
	UserID     string    `json:"user_id" bson:"user_id" yaml:"user_id"`
	RateDeckID string    `json:"rate_deck_id" bson:"rate_deck_id" yaml:"rate_deck_id"`
	Active     bool      `json:"active" bson:"active" yaml:"active"`
	AssignedAt time.Time `json:"assigned_at" bson:"assigned_at" yaml:"assigned_at"`
}

// Rate is the per-message price for one destination country
type Rate struct {
	ID         string  `json:"id" bson:"_id" yaml:"id"`
	RateDeckID string  `json:"rate_deck_id" bson:"rate_deck_id" yaml:"rate_deck_id"`
	Country    string  `json:"country" bson:"country" yaml:"country"`
	Prefix     string  `json:"prefix" bson:"prefix" yaml:"prefix"`
	Rate       float64 `json:"rate" bson:"rate" yaml:"rate"`
}

// ProviderAssignment grants a user access to a provider
type ProviderAssignment struct {
	ID         string `json:"id" bson:"_id" yaml:"id"`
	UserID     string `json:"user_id" bson:"user_id" yaml:"user_id"`
	ProviderID string `json:"provider_id" bson:"provider_id" yaml:"provider_id"`
	Active     bool   `json:"active" bson:"active" yaml:"active"`
}

// BlacklistedNumber is a destination a user must never send to
type BlacklistedNumber struct {
	ID          string    `json:"id" bson:"_id" yaml:"id"`
	UserID      string    `json:"user_id" bson:"user_id" yaml:"user_id"`
	PhoneNumber string    `json:"phone_number" bson:"phone_number" yaml:"phone_number"`
	Reason      string    `json:"reason,omitempty" bson:"reason,omitempty" yaml:"reason"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at" yaml:"-"`
}
