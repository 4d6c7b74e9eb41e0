package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"triage-agent/internal/domain"
)

const (
	DefaultPollAttempts = 30
	DefaultPollDelay    = 10 * time.Second
)

var tracer = otel.Tracer("triage-agent/agent")

// Strategy is one way of asking the agent whether an answer is ready.
type Strategy int

const (
	// StrategyHistory reads the conversation history endpoints.
	StrategyHistory Strategy = iota
	// StrategyStatus posts to the run endpoint without a query.
	StrategyStatus
	// StrategyResend posts the original query again.
	StrategyResend
)

func (s Strategy) String() string {
	switch s {
	case StrategyHistory:
		return "GET_HISTORY"
	case StrategyStatus:
		return "POST_NO_QUERY"
	case StrategyResend:
		return "POST_WITH_QUERY"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// RetryState describes the poll attempt about to run.
type RetryState struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Strategy    Strategy
}

// planFor returns the strategies tried during attempt (0-based).
func planFor(attempt int) []Strategy {
	if attempt == 1 || attempt%3 == 0 {
		return []Strategy{StrategyHistory, StrategyStatus, StrategyResend}
	}
	return []Strategy{StrategyStatus, StrategyResend}
}

type outcomeKind int

const (
	inconclusive outcomeKind = iota
	answered
	failed
)

// outcome is the tagged result of one stage or strategy.
type outcome struct {
	kind    outcomeKind
	text    string
	err     error
	payload []byte
}

// Poller repeatedly asks a conversation for its answer until one arrives or
// the attempt budget is spent.
type Poller struct {
	session   *Session
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	onAttempt func(RetryState)
}

type PollerOption func(*Poller)

// WithSleep replaces the inter-attempt wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) PollerOption {
	return func(p *Poller) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// WithAttemptHook registers fn to run before every strategy of every attempt.
func WithAttemptHook(fn func(RetryState)) PollerOption {
	return func(p *Poller) {
		p.onAttempt = fn
	}
}

func WithPollerClock(now func() time.Time) PollerOption {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

func WithPollerLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewPoller(s *Session, opts ...PollerOption) (*Poller, error) {
	if s == nil {
		return nil, errors.New("agent: session must not be nil")
	}
	p := &Poller{
		session: s,
		logger:  slog.Default(),
		sleep:   sleepCtx,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// PollUntilAnswered runs at most maxAttempts attempts, each after waiting
// delay, and returns the first non-empty answer. Exhaustion yields
// *PollTimeoutError; cancellation yields the context error.
func (p *Poller) PollUntilAnswered(ctx context.Context, conversationID, query string, maxAttempts int, delay time.Duration) (string, error) {
	return p.poll(ctx, conversationID, query, maxAttempts, delay, nil)
}

func (p *Poller) poll(ctx context.Context, conversationID, query string, maxAttempts int, delay time.Duration, diag *domain.Diagnostics) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultPollAttempts
	}
	if delay < 0 {
		delay = 0
	}

	ctx, span := tracer.Start(ctx, "agent.poll")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.conversation_id", conversationID),
		attribute.Int("agent.poll.max_attempts", maxAttempts),
		attribute.Int64("agent.poll.delay_ms", delay.Milliseconds()),
	)

	start := p.now()
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := p.sleep(ctx, delay); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancelled")
			return "", err
		}
		for _, strategy := range planFor(attempt) {
			state := RetryState{Attempt: attempt, MaxAttempts: maxAttempts, Delay: delay, Strategy: strategy}
			if p.onAttempt != nil {
				p.onAttempt(state)
			}
			out := p.run(ctx, conversationID, query, strategy)
			switch out.kind {
			case answered:
				span.SetAttributes(
					attribute.Int("agent.poll.attempt", attempt),
					attribute.String("agent.poll.strategy", strategy.String()),
				)
				p.logger.Info("agent poll answered",
					"conversation_id", conversationID, "attempt", attempt, "strategy", strategy.String())
				return out.text, nil
			case failed:
				diag.Record("poll."+strategy.String(), out.err, out.payload)
				p.logger.Debug("agent poll strategy failed",
					"conversation_id", conversationID, "attempt", attempt, "strategy", strategy.String(), "err", out.err)
			}
			if err := ctx.Err(); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "cancelled")
				return "", err
			}
		}
	}

	err := &PollTimeoutError{Attempts: maxAttempts, Elapsed: p.now().Sub(start)}
	span.RecordError(err)
	span.SetStatus(codes.Error, "exhausted")
	return "", err
}

func (p *Poller) run(ctx context.Context, conversationID, query string, strategy Strategy) outcome {
	switch strategy {
	case StrategyHistory:
		text, err := p.session.History(ctx, conversationID)
		if err != nil {
			return outcome{kind: failed, err: err}
		}
		if text == "" {
			return outcome{kind: inconclusive}
		}
		return outcome{kind: answered, text: text}
	case StrategyStatus:
		return p.exchange(ctx, conversationID, "")
	case StrategyResend:
		return p.exchange(ctx, conversationID, query)
	default:
		return outcome{kind: failed, err: fmt.Errorf("agent: unknown strategy %d", int(strategy))}
	}
}

func (p *Poller) exchange(ctx context.Context, conversationID, query string) outcome {
	resp, err := p.session.Exchange(ctx, conversationID, query)
	if err != nil {
		return outcome{kind: failed, err: err}
	}
	if got := resp.ConversationID(); got != "" && got != conversationID {
		p.logger.Warn("agent reply for a different conversation, ignoring",
			"conversation_id", conversationID, "reply_conversation_id", got)
		return outcome{kind: inconclusive, payload: resp.Body}
	}
	if text := resp.Answer(); text != "" {
		return outcome{kind: answered, text: text}
	}
	return outcome{kind: inconclusive, payload: resp.Body}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
