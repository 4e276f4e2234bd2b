package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
	"github.com/yairfalse/kirjuri/pkg/canonical"
)

func newTestSource(t *testing.T, handler http.HandlerFunc, tokens TokenProvider) *HTTPSource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s, err := NewHTTPSource(HTTPConfig{BaseURL: srv.URL + "/ex/{cloud_scope_id}", RequestsPerSec: 100, PageSize: 2}, "scope-1", tokens, nil)
	require.NoError(t, err)
	return s
}

func TestHTTPSource_Query(t *testing.T) {
	var seen *http.Request
	s := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r
		fmt.Fprint(w, `[{"id":"10000","name":"Summary"}]`)
	}, StaticToken("secret"))

	ctx, counter := WithCallCounter(context.Background())
	v, err := s.Query(ctx, "/rest/api/3/field", Filters{"b": "2", "a": "1"})
	require.NoError(t, err)

	assert.Equal(t, `[{"id":"10000","name":"Summary"}]`, string(canonical.Canonicalize(v)))
	assert.Equal(t, http.MethodGet, seen.Method)
	assert.Equal(t, "/ex/scope-1/rest/api/3/field", seen.URL.Path)
	assert.Equal(t, "a=1&b=2", seen.URL.RawQuery)
	assert.Equal(t, "Bearer secret", seen.Header.Get("Authorization"))
	assert.Equal(t, 1, counter.Count())
}

func TestHTTPSource_FollowsPages(t *testing.T) {
	s := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		startAt, _ := strconv.Atoi(r.URL.Query().Get("startAt"))
		switch startAt {
		case 0:
			fmt.Fprint(w, `{"startAt":0,"maxResults":2,"isLast":false,"values":[{"id":1},{"id":2}]}`)
		case 2:
			fmt.Fprint(w, `{"startAt":2,"maxResults":2,"isLast":false,"values":[{"id":3},{"id":4}]}`)
		default:
			fmt.Fprint(w, `{"startAt":4,"maxResults":2,"isLast":true,"values":[{"id":5}]}`)
		}
	}, nil)

	ctx, counter := WithCallCounter(context.Background())
	v, err := s.Query(ctx, "/rest/api/3/project/search", nil)
	require.NoError(t, err)
	assert.Equal(t, canonical.KindList, v.Kind())
	assert.Equal(t, 5, v.Len())
	assert.Equal(t, 3, counter.Count())
}

func TestHTTPSource_StatusCategories(t *testing.T) {
	tests := []struct {
		status        int
		code          kirjurierrors.ErrorCode
		notConfigured bool
	}{
		{http.StatusUnauthorized, kirjurierrors.CodePermissionRevoked, false},
		{http.StatusForbidden, kirjurierrors.CodePermissionRevoked, false},
		{http.StatusTooManyRequests, kirjurierrors.CodeRateLimit, false},
		{http.StatusBadGateway, kirjurierrors.CodeAPIError, false},
		{http.StatusGatewayTimeout, kirjurierrors.CodeTimeout, false},
		{http.StatusNotFound, kirjurierrors.CodeUnknown, true},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			s := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}, nil)

			_, err := s.Query(context.Background(), "/rest/api/3/field", nil)
			require.Error(t, err)
			var se *kirjurierrors.SourceError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, tt.notConfigured, se.NotConfigured())
			assert.Equal(t, tt.code, kirjurierrors.Categorize(err))
		})
	}
}

func TestHTTPSource_DeadlineIsTimeout(t *testing.T) {
	s := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Query(ctx, "/rest/api/3/field", nil)
	require.Error(t, err)
	assert.Equal(t, kirjurierrors.CodeTimeout, kirjurierrors.Categorize(err))
}

func TestHTTPSource_MissingToken(t *testing.T) {
	called := false
	s := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	}, EnvToken("KIRJURI_TEST_TOKEN_THAT_IS_NOT_SET"))

	_, err := s.Query(context.Background(), "/rest/api/3/field", nil)
	assert.Equal(t, kirjurierrors.CodePermissionRevoked, kirjurierrors.Categorize(err))
	assert.False(t, called)
}

func TestHTTPSource_InvalidJSON(t *testing.T) {
	s := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"a":1,"a":2}`)
	}, nil)
	_, err := s.Query(context.Background(), "/rest/api/3/field", nil)
	assert.ErrorIs(t, err, canonical.ErrDuplicateKey)
}

func TestNewHTTPSource_Validation(t *testing.T) {
	_, err := NewHTTPSource(HTTPConfig{}, "s", nil, nil)
	assert.Error(t, err)
	_, err = NewHTTPSource(HTTPConfig{BaseURL: "https://example.com/{cloud_scope_id}"}, "", nil, nil)
	assert.Error(t, err)
	_, err = NewHTTPSource(HTTPConfig{BaseURL: "not a url"}, "s", nil, nil)
	assert.Error(t, err)
}
