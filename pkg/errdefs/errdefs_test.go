package errdefs

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		is     error
		status int
		kind   string
	}{
		{"not found", NotFound("group %s", "acme"), ErrNotFound, http.StatusNotFound, "not_found"},
		{"conflict", Conflict("dup"), ErrConflict, http.StatusConflict, "conflict"},
		{"unavailable", ServiceUnavailable("down"), ErrServiceUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
		{"state conflict", ServerStateConflict("standalone"), ErrServerStateConflict, http.StatusConflict, "server_state_conflict"},
		{"unreachable", Unreachable(fmt.Errorf("dial tcp"), "site-1"), ErrUpstreamUnreachable, http.StatusBadGateway, "upstream_unreachable"},
		{"version", VersionIncompatible("old"), ErrVersionIncompatible, http.StatusNotImplemented, "version_incompatible"},
		{"invalid", InvalidArgument(fmt.Errorf("hostname required"), "descriptor"), ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := errors.Wrap(tt.err, "outer")
			assert.True(t, errors.Is(wrapped, tt.is))
			assert.Equal(t, tt.status, HTTPStatus(wrapped))
			assert.Equal(t, tt.kind, Kind(wrapped))
		})
	}
}

func TestServerStateConflictIsServiceUnavailable(t *testing.T) {
	err := ServerStateConflict("mode is %s", "STANDALONE")
	assert.True(t, errors.Is(err, ErrServerStateConflict))
	assert.True(t, errors.Is(err, ErrServiceUnavailable))
}

func TestSoftErrorsAreNotHard(t *testing.T) {
	assert.False(t, IsHard(nil))
	assert.False(t, IsHard(Soft(fmt.Errorf("boom"), "property sync")))
	assert.True(t, IsHard(NotFound("x")))
}

func TestFromHTTPRoundTrip(t *testing.T) {
	for _, err := range []error{
		NotFound("a"), Conflict("b"), ServiceUnavailable("c"),
		ServerStateConflict("d"), VersionIncompatible("e"),
	} {
		back := FromHTTP(HTTPStatus(err), Code(err), err.Error())
		assert.Equal(t, Kind(err), Kind(back), err.Error())
	}

	assert.Equal(t, "internal", Kind(FromHTTP(http.StatusTeapot, "", "")))
}
