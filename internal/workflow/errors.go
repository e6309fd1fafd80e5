// ABOUTME: Sentinel errors and the user-facing Failure type for workflow flows
// ABOUTME: Message maps any workflow error to the text shown as a flash

package workflow

import (
	"errors"

	"github.com/2389/ssi-portal/internal/catalog"
	"github.com/2389/ssi-portal/internal/dedupe"
	"github.com/2389/ssi-portal/internal/operations"
)

var (
	// ErrNotConnected is returned when a flow needs a wallet connection.
	ErrNotConnected = errors.New("no wallet connection")

	// ErrNoPersonhood is returned when a flow needs verified personhood.
	ErrNoPersonhood = errors.New("personhood not verified")

	// ErrHandleSettled is returned when asked to poll a handle that already settled.
	ErrHandleSettled = dedupe.ErrHandleSettled

	// ErrNameRequired is returned when a required name field is empty.
	ErrNameRequired = errors.New("name is required")

	// ErrOutOfOrder is returned when a step is attempted before the one preceding it.
	ErrOutOfOrder = errors.New("step attempted out of order")

	// ErrSessionChanged is returned when the session was reset or reconnected
	// while a request was in flight.
	ErrSessionChanged = errors.New("session changed during request")

	// ErrUnknownModule is returned for module ids outside the catalog.
	ErrUnknownModule = catalog.ErrUnknownModule
)

// Failure is a flow failure carrying the message shown to the user.
type Failure struct {
	Message string
	Err     error
}

func (f *Failure) Error() string { return f.Message }

func (f *Failure) Unwrap() error { return f.Err }

// Message returns the user-facing text for err.
func Message(err error) string {
	var f *Failure
	switch {
	case err == nil:
		return ""
	case errors.As(err, &f):
		return f.Message
	case errors.Is(err, ErrNotConnected):
		return "No connection ID found. Please connect your wallet first."
	case errors.Is(err, ErrNoPersonhood):
		return "Please verify your student access card first."
	case errors.Is(err, ErrNameRequired):
		return "Please enter your name."
	case errors.Is(err, ErrOutOfOrder):
		return "Please complete the previous step first."
	case errors.Is(err, ErrSessionChanged):
		return "Your session changed while that was in progress. Please start again."
	case errors.Is(err, ErrUnknownModule):
		return "That module does not exist."
	case errors.Is(err, ErrHandleSettled):
		return "That operation already finished. Please start again."
	case errors.Is(err, operations.ErrClosed):
		return "The portal is shutting down. Please try again shortly."
	default:
		return "Something went wrong. Please try again."
	}
}
