package nsg

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/smithy-go"

	"github.com/yairfalse/nsgswap/pkg/resource"
)

// ResolutionError reports a name that does not map to a usable resource.
type ResolutionError struct {
	Kind  resource.Kind
	Name  string
	Cause error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s %q: %v", e.Kind, e.Name, e.Cause)
}

func (e *ResolutionError) Unwrap() error { return e.Cause }

// AmbiguousNameError reports a name shared by more than one resource.
type AmbiguousNameError struct {
	Kind resource.Kind
	Name string
	IDs  []string
}

func (e *AmbiguousNameError) Error() string {
	return fmt.Sprintf("resolve %s %q: name matches %d resources (%s)",
		e.Kind, e.Name, len(e.IDs), strings.Join(e.IDs, ", "))
}

// Unwrap exposes the ambiguity as a resolution failure.
func (e *AmbiguousNameError) Unwrap() error {
	return &ResolutionError{Kind: e.Kind, Name: e.Name, Cause: errAmbiguous}
}

// QueryError reports a failure to read current resource state.
type QueryError struct {
	Operation string
	Resource  string
	Cause     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Operation, e.Resource, e.Cause)
}

func (e *QueryError) Unwrap() error { return e.Cause }

// MutationError reports a failed or malformed state-changing call.
type MutationError struct {
	Operation string
	Resource  string
	Cause     error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Operation, e.Resource, e.Cause)
}

func (e *MutationError) Unwrap() error { return e.Cause }

// TimeoutError reports a resource that did not settle in time.
type TimeoutError struct {
	Operation string
	Resource  string
	Waited    time.Duration
	Last      string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: not settled after %s (last status %q)", e.Operation, e.Resource, e.Waited, e.Last)
}

var (
	errNotFound      = errors.New("no matching resource")
	errAmbiguous     = errors.New("more than one matching resource")
	errMissingField  = errors.New("response is missing the identifier field")
	errNoAssociation = errors.New("address is not associated")
	errPrimary       = errors.New("refusing to detach a primary interface")
	errNoInstance    = errors.New("run instances returned no instance")
)

// IsNotFound reports whether err is a resolution failure for a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}

// APICode returns the AWS error code carried by err, if any.
func APICode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
