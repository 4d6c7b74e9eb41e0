package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"triage-agent/internal/domain"
)

// Stage names recorded in diagnostics and returned in domain.AgentAnswer.
const (
	StageCreate   = "create"
	StageExchange = "exchange"
	StageStream   = "stream"
	StagePoll     = "poll"
)

// stage is one step of the answer pipeline. An inconclusive outcome hands
// over to the next stage; answered and failed end the run.
type stage struct {
	name string
	run  func(ctx context.Context, run *pipelineRun) outcome
}

// pipelineRun is the state owned by a single Answer call.
type pipelineRun struct {
	conv   domain.Conversation
	prompt string
	diag   *domain.Diagnostics

	metadataOnly bool
}

// Pipeline obtains one final answer for a prompt from the agent service:
// create a conversation, try a plain exchange, then a streamed exchange,
// then poll while the service keeps acknowledging without answering.
type Pipeline struct {
	session      *Session
	poller       *Poller
	logger       *slog.Logger
	pollAttempts int
	pollDelay    time.Duration
	callbacks    StreamCallbacks
	stages       []stage
}

type PipelineOption func(*Pipeline)

func WithPolling(maxAttempts int, delay time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if maxAttempts > 0 {
			p.pollAttempts = maxAttempts
		}
		if delay >= 0 {
			p.pollDelay = delay
		}
	}
}

// WithStreamCallbacks observes the streamed stage, e.g. to relay fragments.
func WithStreamCallbacks(cb StreamCallbacks) PipelineOption {
	return func(p *Pipeline) {
		p.callbacks = cb
	}
}

func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewPipeline(s *Session, poller *Poller, opts ...PipelineOption) (*Pipeline, error) {
	if s == nil {
		return nil, errors.New("agent: session must not be nil")
	}
	if poller == nil {
		return nil, errors.New("agent: poller must not be nil")
	}
	p := &Pipeline{
		session:      s,
		poller:       poller,
		logger:       slog.Default(),
		pollAttempts: DefaultPollAttempts,
		pollDelay:    DefaultPollDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.stages = []stage{
		{name: StageExchange, run: p.exchange},
		{name: StageStream, run: p.stream},
		{name: StagePoll, run: p.poll},
	}
	return p, nil
}

// Answer runs the stages in order against a fresh conversation. Intermediate
// failures are recorded in diag. The returned error is the one that ended the
// run, or ErrNoAnswer when no stage produced text.
func (p *Pipeline) Answer(ctx context.Context, prompt string, diag *domain.Diagnostics) (domain.AgentAnswer, error) {
	ctx, span := tracer.Start(ctx, "agent.answer")
	defer span.End()

	conv, err := p.session.Create(ctx)
	if err != nil {
		diag.Record(StageCreate, err, nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return domain.AgentAnswer{Stage: StageCreate}, err
	}
	span.SetAttributes(attribute.String("agent.conversation_id", conv.ID))
	p.logger.Info("agent conversation created", "conversation_id", conv.ID)

	run := &pipelineRun{conv: conv, prompt: prompt, diag: diag}
	for _, st := range p.stages {
		stageCtx, stageSpan := tracer.Start(ctx, "agent.stage."+st.name)
		out := st.run(stageCtx, run)
		stageSpan.End()

		switch out.kind {
		case answered:
			p.logger.Info("agent answered", "conversation_id", conv.ID, "stage", st.name, "answer_len", len(out.text))
			span.SetAttributes(attribute.String("agent.stage", st.name))
			return domain.AgentAnswer{Text: out.text, Stage: st.name, ConversationID: conv.ID}, nil
		case failed:
			diag.Record(st.name, out.err, out.payload)
			p.logger.Warn("agent stage failed", "conversation_id", conv.ID, "stage", st.name, "err", out.err)
			span.RecordError(out.err)
			span.SetStatus(codes.Error, st.name+" failed")
			return domain.AgentAnswer{Stage: st.name, ConversationID: conv.ID}, out.err
		default:
			p.logger.Info("agent stage inconclusive", "conversation_id", conv.ID, "stage", st.name)
		}
	}

	span.SetStatus(codes.Error, "no answer")
	return domain.AgentAnswer{Stage: StagePoll, ConversationID: conv.ID}, ErrNoAnswer
}

func (p *Pipeline) exchange(ctx context.Context, run *pipelineRun) outcome {
	resp, err := p.session.Exchange(ctx, run.conv.ID, run.prompt)
	if err != nil {
		return outcome{kind: failed, err: err}
	}
	if got := resp.ConversationID(); got != "" && got != run.conv.ID {
		p.logger.Warn("agent reply for a different conversation, keeping original",
			"conversation_id", run.conv.ID, "reply_conversation_id", got)
	}
	if text := resp.Answer(); text != "" {
		return outcome{kind: answered, text: text}
	}
	run.diag.Record(StageExchange, nil, resp.Body)
	return outcome{kind: inconclusive}
}

func (p *Pipeline) stream(ctx context.Context, run *pipelineRun) outcome {
	cb := p.callbacks
	userOnError := cb.OnError
	cb.OnError = func(err error) {
		var decErr *StreamDecodeError
		if errors.As(err, &decErr) {
			run.diag.Record(StageStream, err, []byte(decErr.Line))
		}
		if userOnError != nil {
			userOnError(err)
		}
	}

	res, err := p.session.Stream(ctx, run.conv.ID, run.prompt, cb)
	if res.Answer != "" {
		if err != nil {
			run.diag.Record(StageStream, err, nil)
		}
		return outcome{kind: answered, text: res.Answer}
	}
	if err != nil {
		return outcome{kind: failed, err: err, payload: res.Raw}
	}
	if !res.MetadataOnly {
		return outcome{kind: failed, err: ErrNoAnswer, payload: res.Raw}
	}
	run.metadataOnly = true
	run.diag.Record(StageStream, nil, res.Raw)
	return outcome{kind: inconclusive}
}

func (p *Pipeline) poll(ctx context.Context, run *pipelineRun) outcome {
	if !run.metadataOnly {
		return outcome{kind: failed, err: ErrNoAnswer}
	}
	text, err := p.poller.poll(ctx, run.conv.ID, run.prompt, p.pollAttempts, p.pollDelay, run.diag)
	if err != nil {
		return outcome{kind: failed, err: err}
	}
	return outcome{kind: answered, text: text}
}
