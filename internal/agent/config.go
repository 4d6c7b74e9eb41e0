package agent

import (
	"fmt"
	"log/slog"
	"time"
)

// Config collects the tunables of a Pipeline. Zero values select the defaults.
type Config struct {
	PollAttempts    int
	PollDelay       time.Duration
	ExchangeTimeout time.Duration
	StreamTimeout   time.Duration
	HistoryPaths    []string
	Callbacks       StreamCallbacks
	Logger          *slog.Logger
}

// New assembles a Session, Poller and Pipeline over t.
func New(t Transport, cfg Config) (*Pipeline, error) {
	s, err := NewSession(t,
		WithExchangeTimeout(cfg.ExchangeTimeout),
		WithStreamTimeout(cfg.StreamTimeout),
		WithHistoryPaths(cfg.HistoryPaths...),
		WithSessionLogger(cfg.Logger),
	)
	if err != nil {
		return nil, fmt.Errorf("agent: session: %w", err)
	}
	poller, err := NewPoller(s, WithPollerLogger(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("agent: poller: %w", err)
	}
	pollDelay := cfg.PollDelay
	if pollDelay == 0 {
		pollDelay = DefaultPollDelay
	}
	return NewPipeline(s, poller,
		WithPolling(cfg.PollAttempts, pollDelay),
		WithStreamCallbacks(cfg.Callbacks),
		WithPipelineLogger(cfg.Logger),
	)
}
