package appbuilder

import (
	"log/slog"
	"net/http"
	"time"
)

// loggingRoundTripper logs request and response metadata. Bodies are not
// read so streamed replies pass through untouched.
type loggingRoundTripper struct {
	base   http.RoundTripper
	logger *slog.Logger
}

func (l *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	l.logger.Debug("appbuilder outbound",
		"method", req.Method,
		"url", req.URL.String(),
		"authorization", redact(req.Header.Get("Authorization")),
		"content_length", req.ContentLength,
	)

	resp, err := l.base.RoundTrip(req)
	if err != nil {
		l.logger.Debug("appbuilder transport error", "method", req.Method, "url", req.URL.String(), "err", err)
		return resp, err
	}
	l.logger.Debug("appbuilder inbound",
		"method", req.Method,
		"url", req.URL.String(),
		"status", resp.StatusCode,
		"content_type", resp.Header.Get("Content-Type"),
		"elapsed", time.Since(start),
	)
	return resp, nil
}

func redact(authorization string) string {
	if authorization == "" {
		return ""
	}
	return "Bearer ***REDACTED***"
}
