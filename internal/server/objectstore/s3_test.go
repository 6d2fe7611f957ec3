package objectstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
)

func TestIsPartsMismatch(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"invalid part", &smithy.GenericAPIError{Code: "InvalidPart", Message: "part not found"}, true},
		{"invalid part order", &smithy.GenericAPIError{Code: "InvalidPartOrder", Message: "out of order"}, true},
		{"no such upload", &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "gone"}, true},
		{"wrapped api error", fmt.Errorf("complete: %w", &smithy.GenericAPIError{Code: "InvalidPart"}), true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied", Message: "nope"}, false},
		{"plain error", errors.New("connection reset"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isPartsMismatch(tt.err); got != tt.want {
				t.Errorf("isPartsMismatch(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsNoSuchUpload(t *testing.T) {
	if !isNoSuchUpload(&smithy.GenericAPIError{Code: "NoSuchUpload"}) {
		t.Error("expected NoSuchUpload code to be recognized")
	}
	if isNoSuchUpload(&smithy.GenericAPIError{Code: "InternalError"}) {
		t.Error("unrelated code should not be treated as NoSuchUpload")
	}
	if isNoSuchUpload(errors.New("boom")) {
		t.Error("plain error should not be treated as NoSuchUpload")
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"not found code", &smithy.GenericAPIError{Code: "NotFound"}, true},
		{"no such key code", &smithy.GenericAPIError{Code: "NoSuchKey"}, true},
		{"other code", &smithy.GenericAPIError{Code: "SlowDown"}, false},
		{"plain error", errors.New("dial tcp: timeout"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isNotFound(tt.err); got != tt.want {
				t.Errorf("isNotFound(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
