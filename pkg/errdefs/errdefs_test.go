package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		status   int
	}{
		{"not found", NotFound("proxy.get", "deployment not found"), ErrNotFound, http.StatusNotFound},
		{"forbidden", Forbidden("proxy.get", "user does not have read access"), ErrForbidden, http.StatusForbidden},
		{"invalid", InvalidRequest("proxy.post", "invalid operation"), ErrInvalidRequest, http.StatusBadRequest},
		{"timeout", Timeout("proxy.get", "no reply"), ErrTimeout, http.StatusGatewayTimeout},
		{"upstream", UpstreamInconsistency("ingest.history", "scan missing"), ErrUpstreamInconsistency, http.StatusConflict},
		{"unavailable", Unavailable("store.get", errors.New("dial tcp")), ErrUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(tt.err, tt.sentinel))
			assert.Equal(t, tt.status, HTTPStatus(tt.err))

			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, errors.Is(wrapped, tt.sentinel))
			assert.Equal(t, tt.status, HTTPStatus(wrapped))
		})
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
	assert.Equal(t, "boom", Message(err))
}

func TestKindOf_WrappedSentinel(t *testing.T) {
	err := fmt.Errorf("profile lookup: %w", ErrNotFound)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsForbidden(err))
}

func TestError_Message(t *testing.T) {
	err := Forbidden("proxy.post", "user does not have access to the key")
	assert.Equal(t, "user does not have access to the key", Message(err))
	assert.Equal(t, "proxy.post: user does not have access to the key", err.Error())

	cause := errors.New("connection refused")
	err = Unavailable("store.publish", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}
