package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"triage-agent/internal/domain"
)

const (
	defaultExchangeTimeout = 2 * time.Minute
	defaultStreamTimeout   = 3 * time.Minute
)

// DefaultHistoryPaths are the read endpoints probed for a finished answer, in
// order. The upstream documents none of them reliably.
var DefaultHistoryPaths = []string{
	"conversation/{id}/messages",
	"conversation/{id}",
	"conversation/history",
}

// ExchangeRequest is one call to the run endpoint. An empty Query asks for the
// state of the conversation without submitting anything new.
type ExchangeRequest struct {
	ConversationID string
	Query          string
	Stream         bool
}

// Transport is the wire layer of the agent service. Implementations return raw
// response bodies and leave interpretation to the Session.
type Transport interface {
	CreateConversation(ctx context.Context) ([]byte, error)
	Exchange(ctx context.Context, req ExchangeRequest) ([]byte, error)
	OpenStream(ctx context.Context, req ExchangeRequest) (io.ReadCloser, error)
	History(ctx context.Context, conversationID, path string) ([]byte, error)
}

// RawResponse is a decoded non-streaming reply.
type RawResponse struct {
	Body []byte
	Unit AnswerUnit
}

// Answer returns the decoded answer text, trimmed.
func (r RawResponse) Answer() string {
	return strings.TrimSpace(r.Unit.Text)
}

// MetadataOnly reports whether the reply only acknowledged the request.
func (r RawResponse) MetadataOnly() bool {
	return r.Unit.Kind == UnitMetadata
}

// ConversationID returns the conversation id echoed by the reply, if any.
func (r RawResponse) ConversationID() string {
	return gjson.GetBytes(r.Body, "conversation_id").String()
}

// StreamResult is what one streamed exchange produced.
type StreamResult struct {
	Answer       string
	MetadataOnly bool
	Units        int
	Raw          []byte
	DecodeErrors []error
}

// Session issues the individual calls of a conversation against a Transport.
// It holds no per-conversation state and is safe for concurrent use.
type Session struct {
	transport       Transport
	logger          *slog.Logger
	exchangeTimeout time.Duration
	streamTimeout   time.Duration
	historyPaths    []string
	now             func() time.Time
}

type SessionOption func(*Session)

func WithExchangeTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.exchangeTimeout = d
		}
	}
}

func WithStreamTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.streamTimeout = d
		}
	}
}

func WithHistoryPaths(paths ...string) SessionOption {
	return func(s *Session) {
		if len(paths) > 0 {
			s.historyPaths = append([]string(nil), paths...)
		}
	}
}

func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSession(t Transport, opts ...SessionOption) (*Session, error) {
	if t == nil {
		return nil, errors.New("agent: transport must not be nil")
	}
	s := &Session{
		transport:       t,
		logger:          slog.Default(),
		exchangeTimeout: defaultExchangeTimeout,
		streamTimeout:   defaultStreamTimeout,
		historyPaths:    DefaultHistoryPaths,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create opens a new conversation.
func (s *Session) Create(ctx context.Context) (domain.Conversation, error) {
	body, err := s.transport.CreateConversation(ctx)
	if err != nil {
		return domain.Conversation{}, &SessionCreateError{Err: &NetworkError{Op: "create conversation", Err: err}}
	}
	id := strings.TrimSpace(gjson.GetBytes(body, "conversation_id").String())
	if id == "" {
		return domain.Conversation{}, &SessionCreateError{Payload: domain.Truncate(string(body), 200)}
	}
	s.logger.Debug("agent conversation created", "conversation_id", id)
	return domain.Conversation{ID: id, CreatedAt: s.now()}, nil
}

// Exchange performs one non-streaming run call.
func (s *Session) Exchange(ctx context.Context, conversationID, query string) (RawResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.exchangeTimeout)
	defer cancel()

	body, err := s.transport.Exchange(ctx, ExchangeRequest{ConversationID: conversationID, Query: query})
	if err != nil {
		return RawResponse{}, &NetworkError{Op: "exchange", Err: err}
	}
	return RawResponse{Body: body, Unit: DecodeUnit(body)}, nil
}

// Stream performs one streamed run call and demultiplexes the reply. On a
// read failure the partial result is returned together with the error.
func (s *Session) Stream(ctx context.Context, conversationID, query string, cb StreamCallbacks) (StreamResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.streamTimeout)
	defer cancel()

	rc, err := s.transport.OpenStream(ctx, ExchangeRequest{ConversationID: conversationID, Query: query, Stream: true})
	if err != nil {
		return StreamResult{}, &NetworkError{Op: "open stream", Err: err}
	}
	defer func() { _ = rc.Close() }()

	d := NewDemux(cb)
	consumeErr := d.Consume(ctx, rc)
	res := StreamResult{
		Answer:       d.Answer(),
		MetadataOnly: d.MetadataOnly(),
		Units:        d.Units(),
		Raw:          d.Raw(),
		DecodeErrors: d.DecodeErrors(),
	}
	if consumeErr != nil {
		var netErr *NetworkError
		if !errors.As(consumeErr, &netErr) {
			consumeErr = &NetworkError{Op: "read stream", Err: consumeErr}
		}
		return res, consumeErr
	}
	return res, nil
}

// History probes the read endpoints in order and returns the first decodable
// answer. It returns "" with a nil error when every endpoint replied without
// an answer, and the last transport error when none replied at all.
func (s *Session) History(ctx context.Context, conversationID string) (string, error) {
	var lastErr error
	replied := false
	for _, tmpl := range s.historyPaths {
		path := strings.ReplaceAll(tmpl, "{id}", conversationID)
		body, err := s.transport.History(ctx, conversationID, path)
		if err != nil {
			lastErr = err
			continue
		}
		replied = true
		resp := RawResponse{Body: body, Unit: DecodeUnit(body)}
		if got := resp.ConversationID(); got != "" && got != conversationID {
			s.logger.Warn("agent history reply for a different conversation",
				"conversation_id", conversationID, "reply_conversation_id", got, "path", path)
			continue
		}
		if text := resp.Answer(); text != "" {
			return text, nil
		}
	}
	if !replied && lastErr != nil {
		return "", &NetworkError{Op: "history", Err: lastErr}
	}
	return "", nil
}
