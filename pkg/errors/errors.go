// Package errors provides a structured error system for mediacache with error codes, categories, and context.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for mediacache operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Storage errors
	ErrCodeStorageWrite  ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageRead   ErrorCode = "STORAGE_READ"
	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"

	// Filesystem and source errors
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodePathInvalid      ErrorCode = "PATH_INVALID"
	ErrCodeFileNotFound     ErrorCode = "FILE_NOT_FOUND"
	ErrCodeNotDirectory     ErrorCode = "NOT_DIRECTORY"

	// Media errors
	ErrCodeDecodeFailed     ErrorCode = "DECODE_FAILED"
	ErrCodeEncodeFailed     ErrorCode = "ENCODE_FAILED"
	ErrCodeUnsupportedMedia ErrorCode = "UNSUPPORTED_MEDIA"
	ErrCodeFrameGrabUnavail ErrorCode = "FRAME_GRABBER_UNAVAILABLE"

	// Resource errors
	ErrCodeLimitExceeded ErrorCode = "LIMIT_EXCEEDED"
	ErrCodeHandleRevoked ErrorCode = "HANDLE_REVOKED"

	// State errors
	ErrCodeAlreadyStarted   ErrorCode = "ALREADY_STARTED"
	ErrCodeComponentStopped ErrorCode = "COMPONENT_STOPPED"
	ErrCodeInvalidState     ErrorCode = "INVALID_STATE"

	// Operation errors
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryStorage       ErrorCategory = "storage"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryMedia         ErrorCategory = "media"
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// MediaError represents a structured error with context and metadata.
type MediaError struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	// Error handling hints
	Retryable  bool `json:"retryable"`
	UserFacing bool `json:"user_facing"`
	HTTPStatus int  `json:"http_status,omitempty"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *MediaError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *MediaError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *MediaError) Is(target error) bool {
	if mediaErr, ok := target.(*MediaError); ok {
		return e.Code == mediaErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *MediaError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("MediaError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *MediaError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new error with default values for its code.
func NewError(code ErrorCode, message string) *MediaError {
	return &MediaError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		UserFacing: IsUserFacingByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Newf is NewError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *MediaError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new error with the given code whose cause is err.
func Wrap(err error, code ErrorCode, message string) *MediaError {
	return NewError(code, message).WithCause(err)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "STORAGE_") || strings.HasPrefix(codeStr, "QUOTA_"):
		return CategoryStorage
	case strings.HasPrefix(codeStr, "PERMISSION_") || strings.HasPrefix(codeStr, "PATH_") ||
		strings.HasPrefix(codeStr, "FILE_") || strings.HasPrefix(codeStr, "NOT_DIRECTORY"):
		return CategoryFilesystem
	case strings.HasPrefix(codeStr, "DECODE_") || strings.HasPrefix(codeStr, "ENCODE_") ||
		strings.HasPrefix(codeStr, "UNSUPPORTED_") || strings.HasPrefix(codeStr, "FRAME_"):
		return CategoryMedia
	case strings.HasPrefix(codeStr, "LIMIT_") || strings.HasPrefix(codeStr, "HANDLE_"):
		return CategoryResource
	case strings.HasPrefix(codeStr, "ALREADY_") || strings.HasPrefix(codeStr, "COMPONENT_") ||
		strings.HasPrefix(codeStr, "INVALID_STATE"):
		return CategoryState
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "VALIDATION_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
// The S3 source retries these; for other callers the flag is a hint.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeOperationTimeout: true,
		ErrCodeStorageRead:      true,
		ErrCodeInternalError:    true,
	}
	return retryableCodes[code]
}

// IsUserFacingByDefault determines if an error should be shown to users.
func IsUserFacingByDefault(code ErrorCode) bool {
	userFacingCodes := map[ErrorCode]bool{
		ErrCodeInvalidConfig:    true,
		ErrCodeConfigValidation: true,
		ErrCodePermissionDenied: true,
		ErrCodePathInvalid:      true,
		ErrCodeFileNotFound:     true,
		ErrCodeNotDirectory:     true,
		ErrCodeValidationFailed: true,
	}
	return userFacingCodes[code]
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidConfig:     400, // Bad Request
		ErrCodeConfigValidation:  400,
		ErrCodePathInvalid:       400,
		ErrCodeNotDirectory:      400,
		ErrCodeValidationFailed:  400,
		ErrCodePermissionDenied:  403, // Forbidden
		ErrCodeFileNotFound:      404, // Not Found
		ErrCodeHandleRevoked:     410, // Gone
		ErrCodeAlreadyStarted:    409, // Conflict
		ErrCodeUnsupportedMedia:  415, // Unsupported Media Type
		ErrCodeDecodeFailed:      422, // Unprocessable Entity
		ErrCodeLimitExceeded:     413, // Payload Too Large
		ErrCodeQuotaExceeded:     507, // Insufficient Storage
		ErrCodeInternalError:     500,
		ErrCodeComponentStopped:  503, // Service Unavailable
		ErrCodeFrameGrabUnavail:  503,
		ErrCodeOperationTimeout:  504, // Gateway Timeout
		ErrCodeOperationCanceled: 499,
	}

	if status, ok := statusMap[code]; ok {
		return status
	}
	return 500
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *MediaError) WithContext(key, value string) *MediaError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *MediaError) WithDetail(key string, value interface{}) *MediaError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *MediaError) WithComponent(component string) *MediaError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *MediaError) WithOperation(operation string) *MediaError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *MediaError) WithCause(cause error) *MediaError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *MediaError) WithStack() *MediaError {
	e.Stack = CaptureStack(2)
	return e
}

// UserFacingMessage returns a simplified message suitable for end users
func (e *MediaError) UserFacingMessage() string {
	if !e.UserFacing {
		return "An internal error occurred."
	}

	messages := map[ErrorCode]string{
		ErrCodePermissionDenied: "Permission denied. Grant read access to the folder and try again.",
		ErrCodeFileNotFound:     "The file or folder no longer exists.",
		ErrCodeNotDirectory:     "The selected path is not a folder.",
		ErrCodePathInvalid:      "The selected path is not valid.",
		ErrCodeInvalidConfig:    "Invalid configuration",
	}

	if msg, exists := messages[e.Code]; exists {
		return msg
	}
	return e.Message
}

// CodeOf returns the code of the first MediaError in err's chain. Context
// cancellation and deadline errors map to OPERATION_CANCELED and
// OPERATION_TIMEOUT. Any other non-nil error yields INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var mediaErr *MediaError
	if stderrors.As(err, &mediaErr) {
		return mediaErr.Code
	}
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return ErrCodeOperationTimeout
	case stderrors.Is(err, context.Canceled):
		return ErrCodeOperationCanceled
	}
	return ErrCodeInternalError
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

func IsPermission(err error) bool { return HasCode(err, ErrCodePermissionDenied) }
func IsNotFound(err error) bool   { return HasCode(err, ErrCodeFileNotFound) }
func IsDecode(err error) bool     { return HasCode(err, ErrCodeDecodeFailed) }
func IsQuota(err error) bool      { return HasCode(err, ErrCodeQuotaExceeded) }
func IsTimeout(err error) bool    { return HasCode(err, ErrCodeOperationTimeout) }

// HTTPStatusOf returns the HTTP status for err, 500 when unknown.
func HTTPStatusOf(err error) int {
	var mediaErr *MediaError
	if stderrors.As(err, &mediaErr) && mediaErr.HTTPStatus != 0 {
		return mediaErr.HTTPStatus
	}
	return GetDefaultHTTPStatus(CodeOf(err))
}

// FallbackIcon names the placeholder a client shows instead of media.
type FallbackIcon string

const (
	IconImage   FallbackIcon = "image"
	IconVideo   FallbackIcon = "video"
	IconAudio   FallbackIcon = "audio"
	IconGeneric FallbackIcon = "file"
	IconLocked  FallbackIcon = "locked"
	IconMissing FallbackIcon = "missing"
)

// Fallback is the typed value returned instead of an error for
// non-blocking failures.
type Fallback struct {
	Icon   FallbackIcon `json:"icon"`
	Reason ErrorCode    `json:"reason"`
}

// FallbackFor maps err to a placeholder. mediaType is the lowercase media
// type name of the item that failed.
func FallbackFor(err error, mediaType string) Fallback {
	code := CodeOf(err)
	switch code {
	case ErrCodePermissionDenied:
		return Fallback{Icon: IconLocked, Reason: code}
	case ErrCodeFileNotFound:
		return Fallback{Icon: IconMissing, Reason: code}
	}
	switch mediaType {
	case "image":
		return Fallback{Icon: IconImage, Reason: code}
	case "video":
		return Fallback{Icon: IconVideo, Reason: code}
	case "audio":
		return Fallback{Icon: IconAudio, Reason: code}
	}
	return Fallback{Icon: IconGeneric, Reason: code}
}
