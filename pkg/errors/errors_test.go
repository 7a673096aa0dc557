package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if err.Details == nil || err.Context == nil {
			t.Error("Details and Context maps should be initialised")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets user-facing defaults", func(t *testing.T) {
		if !NewError(ErrCodePermissionDenied, "denied").UserFacing {
			t.Error("PermissionDenied should be user-facing by default")
		}
		if NewError(ErrCodeDecodeFailed, "bad jpeg").UserFacing {
			t.Error("DecodeFailed should not be user-facing by default")
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code     ErrorCode
		expected ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeStorageWrite, CategoryStorage},
		{ErrCodeQuotaExceeded, CategoryStorage},
		{ErrCodePermissionDenied, CategoryFilesystem},
		{ErrCodeFileNotFound, CategoryFilesystem},
		{ErrCodeNotDirectory, CategoryFilesystem},
		{ErrCodeDecodeFailed, CategoryMedia},
		{ErrCodeFrameGrabUnavail, CategoryMedia},
		{ErrCodeLimitExceeded, CategoryResource},
		{ErrCodeHandleRevoked, CategoryResource},
		{ErrCodeComponentStopped, CategoryState},
		{ErrCodeInvalidState, CategoryState},
		{ErrCodeOperationTimeout, CategoryOperation},
		{ErrCodeValidationFailed, CategoryOperation},
		{ErrCodeInternalError, CategoryInternal},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.expected {
				t.Errorf("GetCategory(%v) = %v, want %v", tt.code, got, tt.expected)
			}
		})
	}
}

func TestGetDefaultHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{ErrCodeInvalidConfig, 400},
		{ErrCodeNotDirectory, 400},
		{ErrCodePermissionDenied, 403},
		{ErrCodeFileNotFound, 404},
		{ErrCodeHandleRevoked, 410},
		{ErrCodeLimitExceeded, 413},
		{ErrCodeDecodeFailed, 422},
		{ErrCodeComponentStopped, 503},
		{ErrCodeOperationTimeout, 504},
		{ErrCodeQuotaExceeded, 507},
		{ErrorCode("UNKNOWN_CODE"), 500},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetDefaultHTTPStatus(tt.code); got != tt.wantStatus {
				t.Errorf("GetDefaultHTTPStatus(%v) = %d, want %d", tt.code, got, tt.wantStatus)
			}
		})
	}
}

func TestMediaError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *MediaError
		want string
	}{
		{
			name: "with component and operation",
			err: &MediaError{
				Code:      ErrCodeFileNotFound,
				Component: "source",
				Operation: "read",
				Message:   "a.jpg does not exist",
			},
			want: "[source:read] FILE_NOT_FOUND: a.jpg does not exist",
		},
		{
			name: "with component only",
			err: &MediaError{
				Code:      ErrCodeInvalidConfig,
				Component: "config",
				Message:   "invalid value",
			},
			want: "[config] INVALID_CONFIG: invalid value",
		},
		{
			name: "with cause",
			err: &MediaError{
				Code:    ErrCodeStorageWrite,
				Message: "insert asset",
				Cause:   errors.New("disk I/O error"),
			},
			want: "STORAGE_WRITE: insert asset: disk I/O error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMediaError_IsAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("underlying cause")
	err := Wrap(cause, ErrCodeDecodeFailed, "decode image")

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if !errors.Is(err, NewError(ErrCodeDecodeFailed, "different message")) {
		t.Error("errors with same code should match")
	}
	if errors.Is(err, NewError(ErrCodeFileNotFound, "x")) {
		t.Error("errors with different codes should not match")
	}

	wrapped := fmt.Errorf("generate thumbnail: %w", err)
	if !IsDecode(wrapped) {
		t.Error("IsDecode should see through fmt.Errorf wrapping")
	}
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"media error", NewError(ErrCodeQuotaExceeded, "full"), ErrCodeQuotaExceeded},
		{"deadline", fmt.Errorf("grab: %w", context.DeadlineExceeded), ErrCodeOperationTimeout},
		{"canceled", context.Canceled, ErrCodeOperationCanceled},
		{"plain", errors.New("boom"), ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}

	if !IsTimeout(context.DeadlineExceeded) {
		t.Error("IsTimeout should accept context.DeadlineExceeded")
	}
	if IsPermission(nil) || IsNotFound(nil) || IsQuota(nil) {
		t.Error("predicates must be false for nil")
	}
}

func TestFallbackFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		mediaType string
		want      Fallback
	}{
		{"permission wins over type", NewError(ErrCodePermissionDenied, ""), "image", Fallback{IconLocked, ErrCodePermissionDenied}},
		{"missing file", NewError(ErrCodeFileNotFound, ""), "video", Fallback{IconMissing, ErrCodeFileNotFound}},
		{"decode image", NewError(ErrCodeDecodeFailed, ""), "image", Fallback{IconImage, ErrCodeDecodeFailed}},
		{"timeout video", NewError(ErrCodeOperationTimeout, ""), "video", Fallback{IconVideo, ErrCodeOperationTimeout}},
		{"unknown type", errors.New("x"), "other", Fallback{IconGeneric, ErrCodeInternalError}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FallbackFor(tt.err, tt.mediaType); got != tt.want {
				t.Errorf("FallbackFor() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestHTTPStatusOf(t *testing.T) {
	t.Parallel()

	if got := HTTPStatusOf(NewError(ErrCodeFileNotFound, "")); got != 404 {
		t.Errorf("HTTPStatusOf(not found) = %d, want 404", got)
	}
	if got := HTTPStatusOf(errors.New("x")); got != 500 {
		t.Errorf("HTTPStatusOf(plain) = %d, want 500", got)
	}
}

func TestMediaError_StringAndJSON(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeOperationTimeout, "frame grab took too long").
		WithComponent("thumbnail").
		WithOperation("grab_frame").
		WithDetail("timeout_ms", 10000).
		WithCause(context.DeadlineExceeded)

	s := err.String()
	for _, part := range []string{
		"Code=OPERATION_TIMEOUT",
		"Category=operation",
		"Component=thumbnail",
		"Operation=grab_frame",
		"Retryable=true",
		"Details=",
		"Cause=",
	} {
		if !strings.Contains(s, part) {
			t.Errorf("String() missing %q\nGot: %s", part, s)
		}
	}

	var parsed map[string]interface{}
	if parseErr := json.Unmarshal([]byte(err.JSON()), &parsed); parseErr != nil {
		t.Fatalf("JSON() returned invalid JSON: %v", parseErr)
	}
	if parsed["code"] != "OPERATION_TIMEOUT" {
		t.Errorf("JSON code = %v, want OPERATION_TIMEOUT", parsed["code"])
	}
}

func TestCaptureStack(t *testing.T) {
	t.Parallel()

	stack := CaptureStack(0)
	if stack == "" {
		t.Fatal("CaptureStack() returned empty string")
	}
	if strings.Contains(stack, "errors.go") {
		t.Error("Stack trace should not include errors.go frames")
	}
}
