// Package qwen answers prompts with a single synchronous call to the
// DashScope OpenAI-compatible chat endpoint.
package qwen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"triage-agent/internal/domain"
)

const (
	DefaultBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	DefaultModel   = "qwen-turbo"

	// Stage is reported on every answer produced by this backend.
	Stage = "qwen"

	requestTimeout = 60 * time.Second
	temperature    = 0.7
	maxTokens      = 2000
)

// ErrEmptyAnswer is returned when the model replied with blank content.
var ErrEmptyAnswer = errors.New("qwen: empty answer")

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// tokenPayload is the expected JSON shape stored in SSM for the API key.
type tokenPayload struct {
	Token string `json:"token"`
}

// Client is an answer source backed by langchaingo's OpenAI provider.
type Client struct {
	baseURL     string
	model       string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
	logger      *slog.Logger

	llmMu sync.Mutex
	llm   llms.Model
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if model = strings.TrimSpace(model); model != "" {
			c.model = model
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a Client whose API key is read from the parameter store
// on first use.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("qwen: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("qwen: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     DefaultBaseURL,
		model:       DefaultModel,
		httpClient:  &http.Client{Timeout: requestTimeout},
		getter:      ps,
		paramPrefix: paramPrefix,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/qwen-token"
}

// resolveLLM builds the model on first success. Failures are not cached.
func (c *Client) resolveLLM(ctx context.Context) (llms.Model, error) {
	c.llmMu.Lock()
	defer c.llmMu.Unlock()
	if c.llm != nil {
		return c.llm, nil
	}

	raw, err := c.getter.GetParameter(ctx, c.tokenParameterName())
	if err != nil {
		return nil, fmt.Errorf("qwen: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return nil, fmt.Errorf("qwen: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return nil, errors.New("qwen: API token is empty")
	}
	llm, err := openai.New(
		openai.WithToken(tp.Token),
		openai.WithBaseURL(c.baseURL),
		openai.WithModel(c.model),
		openai.WithHTTPClient(c.httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("qwen: create client: %w", err)
	}
	c.llm = llm
	return llm, nil
}

// Answer sends prompt as a single user message. The diagnostics sink is not
// used: the call either answers or fails.
func (c *Client) Answer(ctx context.Context, prompt string, _ *domain.Diagnostics) (domain.AgentAnswer, error) {
	model, err := c.resolveLLM(ctx)
	if err != nil {
		return domain.AgentAnswer{Stage: Stage}, err
	}
	c.logger.Info("qwen request", "model", c.model, "prompt_length", len([]rune(prompt)))

	text, err := llms.GenerateFromSinglePrompt(ctx, model, prompt,
		llms.WithTemperature(temperature),
		llms.WithMaxTokens(maxTokens),
	)
	if err != nil {
		return domain.AgentAnswer{Stage: Stage}, fmt.Errorf("qwen: generate: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.AgentAnswer{Stage: Stage}, ErrEmptyAnswer
	}
	c.logger.Info("qwen answered", "answer_length", len([]rune(text)))
	return domain.AgentAnswer{Text: text, Stage: Stage}, nil
}
