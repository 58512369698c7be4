// Package syncerr defines the error taxonomy of the sync engine.
//
// Components return these typed errors; only the sync coordinator decides
// whether a failure is retried, aborts the run, or is surfaced to the user.
package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies an error for logging, events and retry decisions.
type Code string

const (
	// CodeAuthentication indicates invalid credentials, a token that could not
	// be refreshed, or a facility the user may not access.
	CodeAuthentication Code = "AUTHENTICATION"

	// CodeOutdatedVersion indicates the central server refuses this client
	// version. Never retried.
	CodeOutdatedVersion Code = "OUTDATED_VERSION"

	// CodeNetwork indicates a transport failure or a 5xx response.
	CodeNetwork Code = "NETWORK"

	// CodeRecordPersistence indicates one or more records could not be
	// written to the local store.
	CodeRecordPersistence Code = "RECORD_PERSISTENCE"

	// CodeConfiguration indicates a local setup problem such as a dependency
	// cycle or a missing facility. Never retried.
	CodeConfiguration Code = "CONFIGURATION"

	// CodeCancelled indicates the run was cancelled at a safe point.
	CodeCancelled Code = "CANCELLED"

	// CodeUnknown is used for anything unclassified.
	CodeUnknown Code = "UNKNOWN"
)

// ErrCancelled is returned when a run stops at a cancellation point.
var ErrCancelled = errors.New("sync cancelled")

// AuthenticationError is fatal to the current run.
type AuthenticationError struct {
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Message, e.Err)
	}
	return "authentication failed: " + e.Message
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// OutdatedVersionError carries the URL the user should update from.
type OutdatedVersionError struct {
	ClientVersion string
	UpdateURL     string
	Message       string
}

func (e *OutdatedVersionError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "client version is no longer supported"
	}
	if e.UpdateURL != "" {
		return fmt.Sprintf("%s (version %s, update at %s)", msg, e.ClientVersion, e.UpdateURL)
	}
	return fmt.Sprintf("%s (version %s)", msg, e.ClientVersion)
}

// NetworkError wraps a transport failure or an unexpected server status.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: server returned status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Temporary reports whether repeating the request may succeed.
func (e *NetworkError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == 429
}

// ConfigurationError is raised immediately and never retried.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Message
}

// NewConfigurationError formats a ConfigurationError.
func NewConfigurationError(format string, args ...any) error {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// RecordFailure isolates a single record that could not be persisted.
type RecordFailure struct {
	RecordType string
	RecordID   string
	Err        error
}

func (e *RecordFailure) Error() string {
	return fmt.Sprintf("record %s/%s: %v", e.RecordType, e.RecordID, e.Err)
}

func (e *RecordFailure) Unwrap() error { return e.Err }

// PersistenceError aggregates the record failures of one incoming
// transaction. Returning it rolls the transaction back.
type PersistenceError struct {
	Failures []*RecordFailure
}

func (e *PersistenceError) Error() string {
	if len(e.Failures) == 1 {
		return fmt.Sprintf("failed to persist 1 record: %v", e.Failures[0])
	}
	ids := make([]string, 0, 5)
	for i, f := range e.Failures {
		if i == 5 {
			ids = append(ids, "...")
			break
		}
		ids = append(ids, f.RecordType+"/"+f.RecordID)
	}
	return fmt.Sprintf("failed to persist %d records: %s", len(e.Failures), strings.Join(ids, ", "))
}

// CodeOf classifies err.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var (
		authErr    *AuthenticationError
		versionErr *OutdatedVersionError
		netErr     *NetworkError
		cfgErr     *ConfigurationError
		recErr     *RecordFailure
		persistErr *PersistenceError
	)
	switch {
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	case errors.As(err, &authErr):
		return CodeAuthentication
	case errors.As(err, &versionErr):
		return CodeOutdatedVersion
	case errors.As(err, &cfgErr):
		return CodeConfiguration
	case errors.As(err, &persistErr), errors.As(err, &recErr):
		return CodeRecordPersistence
	case errors.As(err, &netErr):
		return CodeNetwork
	}
	return CodeUnknown
}

// IsRetryable reports whether a later attempt of the same operation may
// succeed. Authentication, version, configuration and cancellation errors
// are terminal.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Temporary()
	}
	return false
}

// IsFatal reports whether err must stop the run and be shown to the user
// without retrying.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case CodeAuthentication, CodeOutdatedVersion, CodeConfiguration:
		return true
	}
	return false
}
