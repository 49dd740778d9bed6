package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"github.com/zitadel/oidc/v3/pkg/client/rp"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/terraconstructs/iamsync/internal/config"
	"github.com/terraconstructs/iamsync/internal/telemetry"
)

const tracerName = "iamsync/idp"

// maxErrorBody bounds how much of a failed response is kept for the error.
const maxErrorBody = 2048

// Keycloak is a Provider backed by the Keycloak Admin REST API. It
// authenticates with the client-credentials grant of a service account.
type Keycloak struct {
	cfg      config.IdPConfig
	adminURL string
	tokenURL string

	http    *http.Client // admin calls, carries the service-account token
	plain   *http.Client // caller-token calls
	limiter *rate.Limiter
	logger  *logrus.Logger
	metrics *telemetry.IdPMetrics

	roles     *lru.Cache[string, ClientRole]
	clientMu  sync.Mutex
	clientKey string // resolved internal id of the managed client
}

var _ Provider = (*Keycloak)(nil)

// KeycloakOption configures a Keycloak client.
type KeycloakOption func(*keycloakOptions)

type keycloakOptions struct {
	logger     *logrus.Logger
	httpClient *http.Client
	metrics    *telemetry.IdPMetrics
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) KeycloakOption {
	return func(o *keycloakOptions) { o.logger = logger }
}

// WithHTTPClient sets the base HTTP client used for discovery, token and API calls.
func WithHTTPClient(c *http.Client) KeycloakOption {
	return func(o *keycloakOptions) { o.httpClient = c }
}

// WithMetrics records request counters and latency.
func WithMetrics(m *telemetry.IdPMetrics) KeycloakOption {
	return func(o *keycloakOptions) { o.metrics = m }
}

// NewKeycloak builds the admin client. Unless cfg.TokenURL is set, the token
// endpoint is discovered from the realm issuer.
func NewKeycloak(ctx context.Context, cfg config.IdPConfig, opts ...KeycloakOption) (*Keycloak, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("identity provider base URL is required")
	}
	o := keycloakOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.New()
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		// Discovery only; the relying party is not used for login flows
		scopes := []string{oidc.ScopeOpenID}
		discoverer, err := rp.NewRelyingPartyOIDC(ctx, cfg.Issuer(), cfg.ClientID, cfg.ClientSecret, "", scopes,
			rp.WithHTTPClient(o.httpClient))
		if err != nil {
			return nil, fmt.Errorf("discover identity provider at %s: %w", cfg.Issuer(), err)
		}
		tokenURL = discoverer.OAuthConfig().Endpoint.TokenURL
	}

	cacheSize := cfg.RoleCacheSize
	if cacheSize <= 0 {
		cacheSize = 128
	}
	roles, err := lru.New[string, ClientRole](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create role cache: %w", err)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
	}
	// The token source outlives ctx, so it gets its own base context
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, o.httpClient)
	authed := cc.Client(tokenCtx)
	authed.Timeout = o.httpClient.Timeout

	return &Keycloak{
		cfg:      cfg,
		adminURL: fmt.Sprintf("%s/admin/realms/%s", strings.TrimRight(cfg.BaseURL, "/"), url.PathEscape(cfg.Realm)),
		tokenURL: tokenURL,
		http:     authed,
		plain:    o.httpClient,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   o.logger,
		metrics:  o.metrics,
		roles:    roles,
	}, nil
}

// ========================================
// Transport
// ========================================

type request struct {
	method string
	path   string
	query  url.Values
	body   any
}

// do sends an admin API request and decodes a JSON response into out.
func (k *Keycloak) do(ctx context.Context, req request, out any) (http.Header, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "idp."+req.method,
		attribute.String(telemetry.AttrIdPEndpoint, req.path),
	)
	defer span.End()

	header, status, err := k.send(ctx, k.http, k.adminURL+req.path, req, out)
	span.SetAttributes(attribute.Int(telemetry.AttrIdPStatus, status))
	telemetry.RecordError(span, err)
	return header, err
}

func (k *Keycloak) send(ctx context.Context, client *http.Client, target string, req request, out any) (http.Header, int, error) {
	fail := func(status int, body string, err error) (http.Header, int, error) {
		return nil, status, &RemoteError{Method: req.method, Path: req.path, Status: status, Body: body, Err: err}
	}

	if err := k.limiter.Wait(ctx); err != nil {
		return fail(0, "", err)
	}

	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var (
		reader      io.Reader
		contentType string
	)
	switch b := req.body.(type) {
	case nil:
	case url.Values:
		reader, contentType = strings.NewReader(b.Encode()), "application/x-www-form-urlencoded"
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, 0, fmt.Errorf("encode %s %s: %w", req.method, req.path, err)
		}
		reader, contentType = bytes.NewReader(raw), "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build %s %s: %w", req.method, req.path, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	elapsed := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		k.metrics.RecordRequest(ctx, req.method, 0, elapsed)
		return fail(0, "", err)
	}
	defer func() { _ = resp.Body.Close() }()
	k.metrics.RecordRequest(ctx, req.method, resp.StatusCode, elapsed)

	k.logger.WithFields(logrus.Fields{
		"method": req.method,
		"path":   req.path,
		"status": resp.StatusCode,
		"ms":     elapsed,
	}).Debug("idp request")

	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fail(resp.StatusCode, strings.TrimSpace(string(body)), nil)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return fail(resp.StatusCode, "", fmt.Errorf("decode response: %w", err))
		}
	}
	return resp.Header, resp.StatusCode, nil
}

// clientID resolves and caches the internal id of the managed client.
func (k *Keycloak) clientID(ctx context.Context) (string, error) {
	k.clientMu.Lock()
	defer k.clientMu.Unlock()
	if k.clientKey != "" {
		return k.clientKey, nil
	}

	var clients []struct {
		ID       string `json:"id"`
		ClientID string `json:"clientId"`
	}
	_, err := k.do(ctx, request{
		method: http.MethodGet,
		path:   "/clients",
		query:  url.Values{"clientId": {k.cfg.ManagedClientID}},
	}, &clients)
	if err != nil {
		return "", err
	}
	for _, c := range clients {
		if c.ClientID == k.cfg.ManagedClientID {
			k.clientKey = c.ID
			return c.ID, nil
		}
	}
	return "", &RemoteError{
		Method: http.MethodGet,
		Path:   "/clients",
		Status: http.StatusNotFound,
		Body:   fmt.Sprintf("client %q not found", k.cfg.ManagedClientID),
	}
}

// idFromLocation extracts the trailing path segment of a Location header.
func idFromLocation(header http.Header) string {
	loc := header.Get("Location")
	if loc == "" {
		return ""
	}
	loc = strings.TrimRight(loc, "/")
	return loc[strings.LastIndex(loc, "/")+1:]
}
