package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mnehpets/accessgate/endpoint"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

// RequestLogger is an endpoint processor that attaches a child logger with a
// request id to the request context and writes one access log line per
// request. Downstream code logs through log.Ctx(r.Context()).
type RequestLogger struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewRequestLogger returns a RequestLogger writing to logger.
func NewRequestLogger(logger zerolog.Logger) *RequestLogger {
	return &RequestLogger{logger: logger, now: time.Now}
}

// Process implements endpoint.Processor.
func (p *RequestLogger) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	start := p.now()

	// Only well-formed ids from upstream proxies are kept.
	id := r.Header.Get(RequestIDHeader)
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, id)

	l := p.logger.With().Str("request_id", id).Logger()
	*r = *r.WithContext(l.WithContext(r.Context()))

	sw := &statusWriter{ResponseWriter: w}
	err := next(sw, r)

	status := sw.status
	if err != nil {
		status = endpoint.StatusOf(err)
	} else if status == 0 {
		status = http.StatusOK
	}

	var ev *zerolog.Event
	switch {
	case status >= 500:
		ev = l.Error().Err(err)
	case status >= 400:
		ev = l.Warn()
	default:
		ev = l.Info()
	}
	ev.Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Dur("duration", p.now().Sub(start)).
		Msg("request")
	return err
}

// statusWriter records the status code written by the renderer.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

var _ endpoint.Processor = (*RequestLogger)(nil)
