package provider

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrProvider        = errors.New("provider error")
	ErrTransport       = errors.New("transport error")
	ErrUnknownProvider = errors.New("unknown provider")
)

// ProviderError is an explicit error reported by a provider, either as an error
// record in a stream or as a failed call.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ErrProvider.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s %s (status %d): %s", ErrProvider, e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", ErrProvider, e.Provider, e.Message)
}

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// TransportError is a network or timeout failure while talking to a provider.
type TransportError struct {
	Provider string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ErrTransport.Error()
	}
	return fmt.Sprintf("%s %s %s: %v", ErrTransport, e.Provider, e.Op, e.Err)
}

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *TransportError) Unwrap() error { return e.Err }

func IsProviderError(err error) bool {
	return errors.Is(err, ErrProvider)
}

func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransport)
}

// UserMessage returns the text shown to the user for err: the provider's own
// message for a ProviderError, the error text otherwise.
func UserMessage(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return err.Error()
}
