package domain

import (
	"context"
	"time"
)

// Credentials is everything needed to talk to the platform on behalf of one
// integration. Stores hand out copies; callers persist changes with Save.
type Credentials struct {
	AppID          string `json:"app_id"`
	Secret         string `json:"secret,omitempty"`
	Token          string `json:"token,omitempty"`
	EncodingAESKey string `json:"encoding_aes_key,omitempty"`
	// Encrypted accounts only accept deliveries in the signed envelope.
	Encrypted bool `json:"encrypted,omitempty"`

	// Ticket is the component_verify_ticket pushed to a component app.
	Ticket string `json:"ticket,omitempty"`

	// ComponentAppID is set on accounts hosted through a component app.
	ComponentAppID string `json:"component_app_id,omitempty"`
	// RefreshToken is the authorizer refresh token of a hosted account.
	RefreshToken string `json:"refresh_token,omitempty"`

	Access    AccessToken `json:"access"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Hosted reports whether the account is managed through a component app.
func (c Credentials) Hosted() bool { return c.ComponentAppID != "" }

// RequiresEnvelope reports whether plain deliveries must be refused. Hosted
// accounts always receive encrypted traffic.
func (c Credentials) RequiresEnvelope() bool { return c.Encrypted || c.Hosted() }

// AccessToken is a bearer credential for outbound API calls.
type AccessToken struct {
	Value     string    `json:"value,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the token can still be used at now.
func (t AccessToken) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// CredentialStore persists credentials and tokens.
type CredentialStore interface {
	// Load returns nil, nil when appID is unknown.
	Load(ctx context.Context, appID string) (*Credentials, error)
	Save(ctx context.Context, creds Credentials) error
	List(ctx context.Context) ([]Credentials, error)
	Close() error
}

// Delivery is one inbound event as recorded by a DeliveryLog.
type Delivery struct {
	RequestID string    `json:"request_id"`
	AppID     string    `json:"app_id"`
	Kind      string    `json:"kind"`
	From      string    `json:"from"`
	Replied   bool      `json:"replied"`
	CreatedAt time.Time `json:"created_at"`
}

// DeliveryLog records dispatched inbound events.
type DeliveryLog interface {
	LogDelivery(ctx context.Context, d Delivery) error
	RecentDeliveries(ctx context.Context, appID string, limit int) ([]Delivery, error)
}
