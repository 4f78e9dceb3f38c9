package authz

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a policy or rule that cannot be loaded
	ErrConfiguration = errors.New("authz: configuration error")
	// ErrStoreUnavailable marks a failed or timed out backing-store fetch
	ErrStoreUnavailable = errors.New("authz: backing store unavailable")
	// ErrInvalidInput marks a request without tenant or principal identity
	ErrInvalidInput = errors.New("authz: invalid input")
)

// ConfigurationError describes a policy whose condition failed to compile
type ConfigurationError struct {
	PolicyID  string
	Condition string
	Err       error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("policy %s: invalid condition %q: %v", e.PolicyID, e.Condition, e.Err)
}

func (e *ConfigurationError) Unwrap() []error {
	return []error{ErrConfiguration, e.Err}
}

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
