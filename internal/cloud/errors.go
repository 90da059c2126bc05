package cloud

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedOperation = errors.New("unsupported_operation")
	ErrServerAlreadyExists  = errors.New("server_already_exists")
	ErrTimeout              = errors.New("timeout")
)

// ErrCodeAlreadyExists is the provider error code remapped to
// ErrServerAlreadyExists. Every other code passes through unchanged.
const ErrCodeAlreadyExists = "droplet_already_exists"

// ProviderError is an unremapped failure from a VM provider, keeping
// the provider's own code for the caller.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

func remapProviderError(err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Code == ErrCodeAlreadyExists {
		return fmt.Errorf("%w: %s", ErrServerAlreadyExists, pe.Message)
	}
	return err
}
