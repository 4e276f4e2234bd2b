package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	kirjurierrors "github.com/yairfalse/kirjuri/internal/errors"
	"github.com/yairfalse/kirjuri/internal/logger"
	"github.com/yairfalse/kirjuri/pkg/canonical"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// CloudScopePlaceholder is replaced by the cloud scope id in BaseURL
const CloudScopePlaceholder = "{cloud_scope_id}"

// DefaultMaxResponseBytes bounds one response body
const DefaultMaxResponseBytes = 32 << 20

// maxPages stops a paginated read that never reports its last page
const maxPages = 1000

// HTTPConfig configures the REST source
type HTTPConfig struct {
	BaseURL          string        `mapstructure:"base_url" yaml:"base_url"`
	RequestsPerSec   int           `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PageSize         int           `mapstructure:"page_size" yaml:"page_size"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes" yaml:"max_response_bytes"`
	TokenEnv         string        `mapstructure:"token_env" yaml:"token_env"`
	UserAgent        string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// TokenProvider supplies the bearer token for each request. Obtaining and
// refreshing tokens happens outside this package.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token
type StaticToken string

// Token returns the token
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("no source token configured")
	}
	return string(t), nil
}

// EnvToken reads the token from an environment variable on every request
type EnvToken string

// Token returns the variable's value
func (e EnvToken) Token(context.Context) (string, error) {
	v := os.Getenv(string(e))
	if v == "" {
		return "", fmt.Errorf("environment variable %s is empty", string(e))
	}
	return v, nil
}

// HTTPSource is a GET-only REST client for one cloud scope
type HTTPSource struct {
	baseURL  *url.URL
	client   *http.Client
	tokens   TokenProvider
	limiter  *rate.Limiter
	pageSize int
	maxBytes int64
	agent    string
	logger   logger.Logger
}

// NewHTTPSource creates a source for cloudScopeID. The token provider may
// be nil for sources that need no authentication.
func NewHTTPSource(cfg HTTPConfig, cloudScopeID string, tokens TokenProvider, log logger.Logger) (*HTTPSource, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("source base URL is required")
	}
	if strings.Contains(cfg.BaseURL, CloudScopePlaceholder) {
		if cloudScopeID == "" {
			return nil, errors.New("cloud scope id is required by the source base URL")
		}
		cfg.BaseURL = strings.ReplaceAll(cfg.BaseURL, CloudScopePlaceholder, url.PathEscape(cloudScopeID))
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid source base URL %q", cfg.BaseURL)
	}

	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "kirjuri"
	}
	if log == nil {
		log = logger.NewNop()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &HTTPSource{
		baseURL: base,
		client: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   cfg.Timeout,
		},
		tokens:   tokens,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.RequestsPerSec*2),
		pageSize: cfg.PageSize,
		maxBytes: cfg.MaxResponseBytes,
		agent:    cfg.UserAgent,
		logger:   log.WithField("source", base.Host),
	}, nil
}

// Query reads an endpoint. Paginated responses of the form
// {"values":[...],"isLast":false,"startAt":n,"maxResults":m} are followed to
// the last page and returned as one list.
func (s *HTTPSource) Query(ctx context.Context, endpoint string, filters Filters) (canonical.Value, error) {
	first, err := s.get(ctx, endpoint, filters, -1)
	if err != nil {
		return canonical.Value{}, err
	}
	if !isPage(first) {
		return first, nil
	}

	values, _ := first.Get("values")
	items := values.Items()
	page := first
	for n := 1; !isLastPage(page); n++ {
		if n >= maxPages {
			return canonical.Value{}, &kirjurierrors.SourceError{Endpoint: endpoint, Message: fmt.Sprintf("more than %d pages", maxPages)}
		}
		next := pageNumber(page, "startAt") + pageNumber(page, "maxResults")
		if pageNumber(page, "maxResults") == 0 {
			next = len(items)
		}
		page, err = s.get(ctx, endpoint, filters, next)
		if err != nil {
			return canonical.Value{}, err
		}
		values, _ := page.Get("values")
		if values.Len() == 0 {
			break
		}
		items = append(items, values.Items()...)
	}
	return canonical.List(items...), nil
}

func (s *HTTPSource) get(ctx context.Context, endpoint string, filters Filters, startAt int) (canonical.Value, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return canonical.Value{}, &kirjurierrors.SourceError{Endpoint: endpoint, Err: err}
	}

	u := *s.baseURL
	u.Path = s.baseURL.Path + "/" + strings.TrimPrefix(endpoint, "/")
	q := u.Query()
	for _, k := range filters.Keys() {
		q.Set(k, filters[k])
	}
	if startAt >= 0 {
		q.Set("startAt", strconv.Itoa(startAt))
		q.Set("maxResults", strconv.Itoa(s.pageSize))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return canonical.Value{}, &kirjurierrors.SourceError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.agent)
	if s.tokens != nil {
		token, err := s.tokens.Token(ctx)
		if err != nil {
			return canonical.Value{}, &kirjurierrors.SourceError{Endpoint: endpoint, StatusCode: http.StatusUnauthorized, Message: "no access token", Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	CountCall(ctx)
	resp, err := s.client.Do(req)
	if err != nil {
		return canonical.Value{}, &kirjurierrors.SourceError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	s.logger.WithFields(map[string]interface{}{
		"endpoint": endpoint,
		"status":   resp.StatusCode,
	}).Debug("source request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return canonical.Value{}, &kirjurierrors.SourceError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	v, err := canonical.ParseReader(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return canonical.Value{}, &kirjurierrors.SourceError{Endpoint: endpoint, Message: "invalid JSON response", Err: err}
	}
	return v, nil
}

func isPage(v canonical.Value) bool {
	values, ok := v.Get("values")
	if !ok || values.Kind() != canonical.KindList {
		return false
	}
	_, hasLast := v.Get("isLast")
	return hasLast
}

func isLastPage(v canonical.Value) bool {
	last, _ := v.Get("isLast")
	b, ok := last.AsBool()
	return !ok || b
}

func pageNumber(v canonical.Value, field string) int {
	n, ok := v.Get(field)
	if !ok {
		return 0
	}
	d, ok := n.AsNumber()
	if !ok {
		return 0
	}
	return int(d.IntPart())
}
