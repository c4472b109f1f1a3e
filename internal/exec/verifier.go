package exec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxhome/command-resolver/internal/core/domain"
	"github.com/voxhome/command-resolver/internal/core/ports"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultVerifyWindow = 5 * time.Second
)

// Verifier executes a resolved intent and then polls device state until the
// expected effect is observed. A command is only treated as successful, and
// only eligible for cache learning, after this confirmation.
type Verifier struct {
	controller ports.DeviceController
	registry   ports.DeviceRegistry
	logger     *slog.Logger

	pollInterval time.Duration
	verifyWindow time.Duration
}

type Option func(*Verifier)

func WithPollInterval(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.pollInterval = d
		}
	}
}

func WithVerifyWindow(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.verifyWindow = d
		}
	}
}

func NewVerifier(controller ports.DeviceController, registry ports.DeviceRegistry, logger *slog.Logger, opts ...Option) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Verifier{
		controller:   controller,
		registry:     registry,
		logger:       logger,
		pollInterval: defaultPollInterval,
		verifyWindow: defaultVerifyWindow,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ExecuteAndVerify runs the intent against every entity and confirms the
// state change. Intents without a verifiable state effect (queries, timers)
// succeed as soon as execution is accepted. The returned error names the
// first entity that failed.
func (v *Verifier) ExecuteAndVerify(ctx context.Context, intent string, entityIDs []string, params map[string]any) error {
	expected, verifiable := domain.ExpectedState(intent, params)

	for _, entityID := range entityIDs {
		if err := v.controller.Execute(ctx, intent, entityID, params); err != nil {
			return domain.WrapError(domain.ErrServiceUnavailable,
				fmt.Sprintf("execute %s on %s", intent, entityID), err)
		}
		if !verifiable {
			continue
		}
		if err := v.awaitState(ctx, entityID, expected); err != nil {
			return err
		}
	}
	return nil
}

func (v *Verifier) awaitState(ctx context.Context, entityID, expected string) error {
	deadline, cancel := context.WithTimeout(ctx, v.verifyWindow)
	defer cancel()

	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()

	for {
		ent, err := v.registry.GetState(deadline, entityID)
		if err == nil && ent.State == expected {
			v.logger.Debug("state_verified", "entity", entityID, "state", expected)
			return nil
		}
		if err != nil {
			v.logger.Debug("state_poll_failed", "entity", entityID, "error", err)
		}

		select {
		case <-deadline.Done():
			v.logger.Warn("verification_timeout", "entity", entityID, "expected", expected)
			return domain.WrapError(domain.ErrVerificationFailed,
				fmt.Sprintf("verify %s", entityID),
				fmt.Errorf("state %q not reached within %s", expected, v.verifyWindow))
		case <-ticker.C:
		}
	}
}
