package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "prism-board/api"

type viewRequestMetrics struct {
	logger          *log.Logger
	span            trace.Span
	start           time.Time
	sessionDuration time.Duration
	encodeDuration  time.Duration
	state           string
	tasksTotal      int
	tasksVisible    int
	groups          int
	errorStage      string
}

func newViewRequestMetrics(ctx context.Context, logger *log.Logger) (*viewRequestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "api.view")
	return &viewRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, ctx
}

func (m *viewRequestMetrics) ObserveSession(d time.Duration) {
	if d > 0 {
		m.sessionDuration = d
	}
}

func (m *viewRequestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *viewRequestMetrics) SetCounts(state string, total, visible, groups int) {
	m.state = state
	m.tasksTotal = total
	m.tasksVisible = visible
	m.groups = groups
}

func (m *viewRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *viewRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if m.span != nil {
		m.span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.Int("board.tasks.visible", m.tasksVisible),
		)
		if err != nil {
			m.span.RecordError(err)
			m.span.SetStatus(codes.Error, err.Error())
		}
		m.span.End()
	}
	if m.logger == nil {
		return
	}

	fields := log.Fields{
		"route":         "/api/view",
		"status":        status,
		"total_ms":      durationToMillis(time.Since(m.start)),
		"state":         m.state,
		"tasks_total":   m.tasksTotal,
		"tasks_visible": m.tasksVisible,
		"groups":        m.groups,
	}
	if m.sessionDuration > 0 {
		fields["session_ms"] = durationToMillis(m.sessionDuration)
	}
	if m.encodeDuration > 0 {
		fields["encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info("view.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
