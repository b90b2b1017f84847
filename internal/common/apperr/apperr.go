// Package apperr provides the application error taxonomy for Hive.
package apperr

import (
	"errors"
	"fmt"
)

// Error kinds. Callers branch on kind, not on concrete type.
const (
	KindNotFound             = "NOT_FOUND"
	KindAlreadyExists        = "ALREADY_EXISTS"
	KindCommandExecution     = "COMMAND_EXECUTION"
	KindTemplateSetup        = "TEMPLATE_SETUP"
	KindModelOverrideInvalid = "MODEL_OVERRIDE_INVALID"
	KindCredentialMissing    = "CREDENTIAL_MISSING"
	KindStore                = "STORE"
)

// AppError is an application error carrying a kind and an optional cause.
type AppError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s with id '%s' not found", resource, id),
	}
}

// AlreadyExists creates a uniqueness-conflict error.
func AlreadyExists(message string) *AppError {
	return &AppError{Kind: KindAlreadyExists, Message: message}
}

// StoreError wraps a persistence failure.
func StoreError(message string, err error) *AppError {
	return &AppError{Kind: KindStore, Message: message, Err: err}
}

// CredentialMissing reports absent provider credentials.
func CredentialMissing(providerID string) *AppError {
	return &AppError{
		Kind:    KindCredentialMissing,
		Message: fmt.Sprintf("Missing authentication for %s. Run opencode auth login %s.", providerID, providerID),
	}
}

// ModelOverrideInvalid reports an unresolvable model override. The message
// enumerates the available alternatives and is returned to clients verbatim.
func ModelOverrideInvalid(message string) *AppError {
	return &AppError{
		Kind:    KindModelOverrideInvalid,
		Message: "Selected model override is invalid: " + message,
	}
}

// CommandExecutionError carries the failing command context.
type CommandExecutionError struct {
	Command  string
	Cwd      string
	ExitCode int
	Err      error
}

func (e *CommandExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command %q failed in %s with exit code %d: %v", e.Command, e.Cwd, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("command %q failed in %s with exit code %d", e.Command, e.Cwd, e.ExitCode)
}

func (e *CommandExecutionError) Unwrap() error {
	return e.Err
}

// TemplateSetupError wraps a failed or timed-out template setup command.
// ExitCode is 124 for timeouts.
type TemplateSetupError struct {
	Command       string
	TemplateID    string
	WorkspacePath string
	ExitCode      int
	Err           error
}

func (e *TemplateSetupError) Error() string {
	return fmt.Sprintf("template setup command %q failed (template=%s, exitCode=%d)", e.Command, e.TemplateID, e.ExitCode)
}

func (e *TemplateSetupError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an AppError with the given kind.
func IsKind(err error, kind string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// IsNotFound reports whether err represents a missing resource.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// IsAlreadyExists reports whether err represents a uniqueness conflict.
func IsAlreadyExists(err error) bool {
	return IsKind(err, KindAlreadyExists)
}
