package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestErrorFormatting 测试错误消息格式化
func TestErrorFormatting(t *testing.T) {
	err := NewError(ErrServerError, "backend failure on %s", "/jobs")
	assert.Equal(t, "[SERVER_ERROR] backend failure on /jobs", err.Error())

	cause := errors.New("connection reset")
	wrapped := WrapError(ErrTransport, cause, "request failed")
	assert.Equal(t, "[TRANSPORT_ERROR] request failed: connection reset", wrapped.Error())
	assert.Equal(t, cause, errors.Unwrap(wrapped))
}

// TestIsCode 测试错误码匹配
func TestIsCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{
			name: "直接匹配",
			err:  NewError(ErrAuthenticationDenied, "token rejected"),
			code: ErrAuthenticationDenied,
			want: true,
		},
		{
			name: "错误码不匹配",
			err:  NewError(ErrServerError, "boom"),
			code: ErrAuthenticationDenied,
			want: false,
		},
		{
			name: "fmt.Errorf 包裹后仍可匹配",
			err:  fmt.Errorf("outer: %w", NewError(ErrCacheCorrupt, "bad json")),
			code: ErrCacheCorrupt,
			want: true,
		},
		{
			name: "非 types.Error",
			err:  errors.New("plain"),
			code: ErrServerError,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCode(tt.err, tt.code))
		})
	}
}
