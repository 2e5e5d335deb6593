package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/foxzi/smsqueue/internal/models"
)

// ErrNotImplemented is returned by provider kinds without a carrier integration
var ErrNotImplemented = errors.New("transport not implemented")

// Result is the uniform outcome of a send attempt
type Result struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Response  string `json:"response,omitempty"`

	// Retryable is nil when the adapter did not say; that counts as retryable.
	Retryable *bool `json:"retryable,omitempty"`
}

// IsRetryable reports whether a failed attempt may be retried
func (r Result) IsRetryable() bool {
	return r.Retryable == nil || *r.Retryable
}

// Sent builds a successful result
func Sent(messageID, response string) Result {
	return Result{Success: true, MessageID: messageID, Response: response}
}

// Failed builds a failed result
func Failed(errMsg string, retryable bool) Result {
	return Result{Success: false, Error: errMsg, Retryable: &retryable}
}

// Sender delivers one message through one provider.
// A returned error means the attempt blew up rather than failed cleanly.
type Sender interface {
	Send(ctx context.Context, provider *models.Provider, msg *models.Message) (Result, error)
}

// Registry routes a send to the adapter registered for the provider kind
type Registry struct {
	senders map[models.ProviderKind]Sender
	logger  *slog.Logger
}

// Options configures the adapters built by NewRegistry
type Options struct {
	SMSEnvoi SMSEnvoiConfig
}

// NewRegistry creates a registry with every known provider kind
func NewRegistry(opts Options, logger *slog.Logger) *Registry {
	r := &Registry{
		senders: make(map[models.ProviderKind]Sender),
		logger:  logger,
	}

	r.Register(models.KindSimulation, NewSimulator(logger.With("transport", "simulation")))
	r.Register(models.KindSMSEnvoi, NewSMSEnvoi(opts.SMSEnvoi, logger.With("transport", "smsenvoi")))
	for _, kind := range []models.ProviderKind{models.KindTwilio, models.KindMessageBird, models.KindAWSSNS} {
		r.Register(kind, notImplemented{kind: kind})
	}

	return r
}

// Register sets the adapter for a provider kind
func (r *Registry) Register(kind models.ProviderKind, s Sender) {
	r.senders[kind] = s
}

// Send dispatches to the provider's adapter. Unknown and unimplemented
// kinds come back as retryable failures.
func (r *Registry) Send(ctx context.Context, provider *models.Provider, msg *models.Message) (Result, error) {
	s, ok := r.senders[provider.Kind]
	if !ok {
		return Failed(fmt.Sprintf("provider kind %q: %v", provider.Kind, ErrNotImplemented), true), nil
	}

	res, err := s.Send(ctx, provider, msg)
	if errors.Is(err, ErrNotImplemented) {
		r.logger.Warn("transport not implemented", "provider_id", provider.ID, "kind", provider.Kind)
		return Failed(err.Error(), true), nil
	}
	return res, err
}

type notImplemented struct {
	kind models.ProviderKind
}

func (n notImplemented) Send(ctx context.Context, provider *models.Provider, msg *models.Message) (Result, error) {
	return Result{}, fmt.Errorf("%s: %w", n.kind, ErrNotImplemented)
}
