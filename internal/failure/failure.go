// Package failure classifies the fatal conditions a release run can hit so the
// scheduler can report them per job. None of them are retried.
package failure

import (
	"errors"
	"fmt"
)

// Kind identifies a class of pipeline failure.
// Kinds are string-based so they serialize naturally into status reports.
type Kind string

const (
	// VersionMismatch means two or more version sources disagree.
	VersionMismatch Kind = "VERSION_MISMATCH"

	// MissingArtifact means an expected build output is absent or empty.
	MissingArtifact Kind = "MISSING_ARTIFACT"

	// ChecksumMismatch means a fetched base image failed integrity verification.
	ChecksumMismatch Kind = "CHECKSUM_MISMATCH"

	// ProvisioningFailure means the image assembly exited non-zero.
	ProvisioningFailure Kind = "PROVISIONING_FAILURE"

	// ResourceLeakRisk means a loop device or mount could not be released cleanly.
	ResourceLeakRisk Kind = "RESOURCE_LEAK_RISK"

	// PublishFailure means an expected output was missing at publish time.
	PublishFailure Kind = "PUBLISH_FAILURE"

	// InvalidConfig means the pipeline configuration cannot be used.
	InvalidConfig Kind = "INVALID_CONFIGURATION"

	// ExecutionFailed is a generic external command failure.
	ExecutionFailed Kind = "EXECUTION_FAILED"

	// Unknown is returned by KindOf for unclassified errors.
	Unknown Kind = "UNKNOWN"
)

// Error is a classified pipeline error.
type Error struct {
	Kind    Kind
	Stage   string
	Message string
	Err     error
}

// New returns a classified error without an underlying cause.
func New(kind Kind, stage, message string) *Error {
	return &Error{Kind: kind, Stage: stage, Message: message}
}

// Newf is New with a formatted message.
func Newf(kind Kind, stage, format string, args ...any) *Error {
	return New(kind, stage, fmt.Sprintf(format, args...))
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Error returns the message prefixed with stage and kind.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Stage, e.Kind, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && other.Stage == "" && other.Message == "" && other.Err == nil
}

// Sentinel returns a bare error of the given kind for use with errors.Is.
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return Unknown
}
