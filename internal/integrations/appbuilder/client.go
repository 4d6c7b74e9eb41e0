package appbuilder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"triage-agent/internal/agent"
)

const (
	defaultBaseURL = "https://qianfan.baidubce.com/v2/app"

	createTimeout  = 30 * time.Second
	historyTimeout = 10 * time.Second

	maxErrorBody = 4096
	maxReplyBody = 1 << 20
)

// createRequest is the body of the conversation create endpoint.
type createRequest struct {
	AppID string `json:"app_id"`
}

// runRequest is the body of the run endpoint. An empty query asks for the
// state of the conversation.
type runRequest struct {
	AppID          string `json:"app_id"`
	ConversationID string `json:"conversation_id"`
	Query          string `json:"query,omitempty"`
	Stream         bool   `json:"stream"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("appbuilder: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client speaks the AppBuilder conversation API. It implements agent.Transport.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	credsMu sync.Mutex
	token   string
	appID   string
}

var _ agent.Transport = (*Client)(nil)

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithDebugLogging logs every request and response line through l. The
// Authorization header is never logged.
func WithDebugLogging(l *slog.Logger) Option {
	return func(c *Client) {
		if l == nil {
			return
		}
		base := c.resolvedHTTPClient()
		rt := base.Transport
		if rt == nil {
			rt = http.DefaultTransport
		}
		wrapped := *base
		wrapped.Transport = &loggingRoundTripper{base: rt, logger: l}
		c.httpClient = &wrapped
	}
}

// NewClient creates a Client whose bearer token and app id are read from the
// parameter store on first successful use and reused afterwards.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("appbuilder: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("appbuilder: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL: defaultBaseURL,
		// calls are bounded by their contexts
		httpClient:  &http.Client{},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/appbuilder-token"
}

func (c *Client) appIDParameterName() string {
	return c.paramPrefix + "/appbuilder-app-id"
}

// resolveCredentials fetches the token and app id and keeps them once both
// resolve. Failures are not cached; the next call fetches again.
func (c *Client) resolveCredentials(ctx context.Context) (token, appID string, err error) {
	c.credsMu.Lock()
	defer c.credsMu.Unlock()
	if c.token != "" && c.appID != "" {
		return c.token, c.appID, nil
	}

	token, err = fetchTokenFromParamStore(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		return "", "", err
	}
	raw, err := c.getter.GetParameter(ctx, c.appIDParameterName())
	if err != nil {
		return "", "", fmt.Errorf("appbuilder: fetch app id from paramstore: %w", err)
	}
	appID = strings.TrimSpace(raw)
	if appID == "" {
		return "", "", errors.New("appbuilder: app id is empty")
	}
	c.token, c.appID = token, appID
	return token, appID, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{}
}

func (c *Client) endpoint(path string) string {
	base := strings.TrimRight(c.baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/" + strings.TrimLeft(path, "/")
}

// CreateConversation opens a conversation and returns the raw reply.
func (c *Client) CreateConversation(ctx context.Context) ([]byte, error) {
	token, appID, err := c.resolveCredentials(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	req, err := c.newJSONRequest(ctx, c.endpoint("conversation"), token, createRequest{AppID: appID})
	if err != nil {
		return nil, err
	}
	raw, err := c.doJSONRequest(req)
	if err != nil {
		return nil, fmt.Errorf("appbuilder: create conversation: %w", err)
	}
	return raw, nil
}

// Exchange performs one non-streaming run call and returns the raw reply.
func (c *Client) Exchange(ctx context.Context, in agent.ExchangeRequest) ([]byte, error) {
	token, appID, err := c.resolveCredentials(ctx)
	if err != nil {
		return nil, err
	}
	req, err := c.newJSONRequest(ctx, c.endpoint("conversation/runs"), token, runRequest{
		AppID:          appID,
		ConversationID: in.ConversationID,
		Query:          in.Query,
		Stream:         false,
	})
	if err != nil {
		return nil, err
	}
	raw, err := c.doJSONRequest(req)
	if err != nil {
		return nil, fmt.Errorf("appbuilder: run: %w", err)
	}
	return raw, nil
}

// OpenStream performs one streamed run call. The caller owns the returned body.
func (c *Client) OpenStream(ctx context.Context, in agent.ExchangeRequest) (io.ReadCloser, error) {
	token, appID, err := c.resolveCredentials(ctx)
	if err != nil {
		return nil, err
	}
	req, err := c.newJSONRequest(ctx, c.endpoint("conversation/runs"), token, runRequest{
		AppID:          appID,
		ConversationID: in.ConversationID,
		Query:          in.Query,
		Stream:         true,
	})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("appbuilder: stream run: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, fmt.Errorf("appbuilder: stream run: %w", &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        req.URL.String(),
			Body:       string(buf),
		})
	}
	return res.Body, nil
}

// History reads path under the base URL for the given conversation.
func (c *Client) History(ctx context.Context, conversationID, path string) ([]byte, error) {
	token, appID, err := c.resolveCredentials(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, historyTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("app_id", appID)
	q.Set("conversation_id", conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("appbuilder: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	raw, err := c.doJSONRequest(req)
	if err != nil {
		return nil, fmt.Errorf("appbuilder: history %s: %w", path, err)
	}
	return raw, nil
}

func (c *Client) newJSONRequest(ctx context.Context, target, token string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("appbuilder: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("appbuilder: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

func (c *Client) doJSONRequest(req *http.Request) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        req.URL.String(),
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxReplyBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func fetchTokenFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("appbuilder: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("appbuilder: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("appbuilder: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("appbuilder: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("appbuilder: API token is empty")
	}
	return tp.Token, nil
}
