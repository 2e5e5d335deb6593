package queue

import (
	"errors"
	"fmt"
)

// Configuration errors abort QueueCampaign without writing any message
var (
	ErrCampaignNotSending   = errors.New("campaign is not sending")
	ErrNoRateDeck           = errors.New("no active rate deck assigned to user")
	ErrNoRate               = errors.New("no rate for destination country")
	ErrNoProviderAssignment = errors.New("provider is not assigned to user")
	ErrProviderNotFound     = errors.New("provider not found")
	ErrCountryNotSupported  = errors.New("provider does not support destination country")
)

// Operation errors
var (
	ErrCampaignNotPaused = errors.New("campaign is not paused")
	ErrMessageNotQueued  = errors.New("message is not queued")
	ErrRateLimited       = errors.New("provider send budget exhausted")
	ErrInvalidReport     = errors.New("invalid delivery report")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyRunning    = errors.New("queue service is already running")
)

// ConfigError explains why a campaign cannot be queued
type ConfigError struct {
	CampaignID string
	Err        error
	Detail     string
}

func (e *ConfigError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("campaign %s: %v", e.CampaignID, e.Err)
	}
	return fmt.Sprintf("campaign %s: %v: %s", e.CampaignID, e.Err, e.Detail)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is a campaign configuration error
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
