// Package errors provides the failure taxonomy for renderd.
// Every failure surfaced to a caller carries a Code, a human-readable
// message and optional diagnostic fields.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Code classifies a failure.
type Code string

// Worker lifecycle and render failures.
const (
	CodeBinaryMissing       Code = "BINARY_MISSING"
	CodeBinaryNotExecutable Code = "BINARY_NOT_EXECUTABLE"
	CodeStartupFailure      Code = "STARTUP_FAILURE"
	CodeDaemonUnavailable   Code = "DAEMON_UNAVAILABLE"
	CodeProtocol            Code = "PROTOCOL_ERROR"
	CodeRenderTimeout       Code = "RENDER_TIMEOUT"
	CodeRenderFailed        Code = "RENDER_FAILED"
	CodeArtifactMissing     Code = "ARTIFACT_MISSING"
)

// API and infrastructure failures.
const (
	CodeInternal    Code = "INTERNAL_ERROR"
	CodeValidation  Code = "VALIDATION_ERROR"
	CodeNotFound    Code = "NOT_FOUND"
	CodeUnavailable Code = "UNAVAILABLE"
)

// Error is a classified failure with diagnostic context.
type Error struct {
	// Code is the failure class.
	Code Code
	// Message is the human-readable message returned to callers.
	Message string
	// Op is the operation that failed (e.g. "supervisor.spawn").
	Op string
	// Err is the underlying cause.
	Err error
	// Fields holds diagnostics such as exit codes or captured output.
	Fields map[string]any
	// Stack is captured when the error is created.
	Stack []Frame
}

// Frame is one stack frame.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Code != "" {
		b.WriteString("[")
		b.WriteString(string(e.Code))
		b.WriteString("] ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithField attaches a diagnostic field.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields attaches several diagnostic fields.
func (e *Error) WithFields(fields map[string]any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// HTTPStatus maps the code to an HTTP status for the API surface.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return 400
	case CodeNotFound:
		return 404
	case CodeRenderFailed, CodeArtifactMissing, CodeProtocol:
		return 502
	case CodeDaemonUnavailable, CodeStartupFailure, CodeUnavailable:
		return 503
	case CodeRenderTimeout:
		return 504
	default:
		return 500
	}
}

// StackTrace formats the captured stack.
func (e *Error) StackTrace() string {
	if len(e.Stack) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range e.Stack {
		fmt.Fprintf(&b, "  %s:%d %s\n", f.File, f.Line, f.Function)
	}
	return b.String()
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Stack: captureStack(2)}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Stack: captureStack(2)}
}

// Wrap wraps err, keeping the code and fields of an *Error already in the chain.
func Wrap(err error, op string, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Code:    e.Code,
			Message: message,
			Op:      op,
			Err:     err,
			Fields:  e.Fields,
			Stack:   captureStack(2),
		}
	}
	return &Error{
		Code:    CodeInternal,
		Message: message,
		Op:      op,
		Err:     err,
		Stack:   captureStack(2),
	}
}

// WrapWithCode wraps err under an explicit code.
func WrapWithCode(err error, code Code, op string, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Op: op, Err: err, Stack: captureStack(2)}
}

// BinaryMissing reports that the worker executable does not exist.
func BinaryMissing(path string) *Error {
	return New(CodeBinaryMissing, "video renderer binary not found").WithField("binary", path)
}

// BinaryNotExecutable reports that the worker executable lacks execute permission.
func BinaryNotExecutable(path string) *Error {
	return New(CodeBinaryNotExecutable, "video renderer binary is not executable").WithField("binary", path)
}

// StartupFailure reports a worker that exited right after being spawned.
func StartupFailure(exitCode int) *Error {
	return Newf(CodeStartupFailure, "video renderer exited during startup with code %d", exitCode).
		WithField("exit_code", exitCode)
}

// DaemonUnavailable reports that no live worker or transport could be obtained.
func DaemonUnavailable(reason string, cause error) *Error {
	e := New(CodeDaemonUnavailable, "video renderer unavailable: "+reason)
	e.Err = cause
	return e
}

// RenderTimeout reports that no complete reply arrived within the budget.
func RenderTimeout(budget time.Duration) *Error {
	return Newf(CodeRenderTimeout, "video rendering timed out after %s", budget).
		WithField("timeout", budget.String())
}

// RenderFailed carries the worker's own failure message verbatim.
func RenderFailed(workerMessage string) *Error {
	if strings.TrimSpace(workerMessage) == "" {
		workerMessage = "Unknown error"
	}
	return New(CodeRenderFailed, workerMessage)
}

// ArtifactMissing reports a claimed success without a usable output file.
func ArtifactMissing(path, reason string) *Error {
	return New(CodeArtifactMissing, "output video file was not generated: "+reason).
		WithField("artifact", path)
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// ValidationField creates a validation error for a specific field.
func ValidationField(field string, message string) *Error {
	return New(CodeValidation, message).WithField("field", field)
}

// NotFound creates a not found error.
func NotFound(resource string, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id)).
		WithField("resource", resource).
		WithField("id", id)
}

// Unavailable creates an infrastructure unavailable error.
func Unavailable(service string) *Error {
	return New(CodeUnavailable, fmt.Sprintf("service unavailable: %s", service)).
		WithField("service", service)
}

// GetCode returns the code of the first *Error in the chain, or CodeInternal.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// GetHTTPStatus returns the HTTP status of the first *Error in the chain.
func GetHTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return 500
}

// GetFields returns the diagnostic fields of the first *Error in the chain.
func GetFields(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) && e.Fields != nil {
		return e.Fields
	}
	return nil
}

// Summary returns the message meant for callers: the Message of the first
// *Error in the chain followed by its cause, without op and code prefixes.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	if e.Err == nil {
		return e.Message
	}
	var inner *Error
	if errors.As(e.Err, &inner) {
		return e.Message + ": " + Summary(inner)
	}
	return e.Message + ": " + e.Err.Error()
}

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool {
	return IsCode(err, CodeValidation)
}

func captureStack(skip int) []Frame {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip+1, pcs[:])

	frames := make([]Frame, 0, n)
	callersFrames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := callersFrames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			frames = append(frames, Frame{
				File:     frame.File,
				Line:     frame.Line,
				Function: frame.Function,
			})
		}
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// As is a convenience wrapper for errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is a convenience wrapper for errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
