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

const (
	mutationTracerName = "canvas-sync/api"
	mutationSpanName   = "canvas.mutation"
	mutationEventName  = "canvas.request.metrics"
)

// mutationMetrics collects timings for one mutation request and emits them
// as an otel span plus a logrus observability event when the request ends.
type mutationMetrics struct {
	logger *log.Logger
	span   trace.Span

	op            string
	board         string
	taskID        string
	start         time.Time
	storeDuration time.Duration
	errorStage    string
}

func newMutationMetrics(ctx context.Context, logger *log.Logger, op string) (*mutationMetrics, context.Context) {
	m := &mutationMetrics{
		logger: logger,
		op:     op,
		start:  time.Now(),
	}
	if ctx == nil {
		return m, nil
	}
	spanCtx, span := otel.Tracer(mutationTracerName).Start(ctx, mutationSpanName,
		trace.WithAttributes(attribute.String("canvas.mutation.op", op)))
	m.span = span
	return m, spanCtx
}

func (m *mutationMetrics) SetBoard(board string) {
	m.board = board
}

func (m *mutationMetrics) SetTaskID(id string) {
	m.taskID = id
}

func (m *mutationMetrics) ObserveStore(d time.Duration) {
	if d <= 0 {
		return
	}
	m.storeDuration = d
}

func (m *mutationMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *mutationMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	fields := log.Fields{
		"op":       m.op,
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.board != "" {
		fields["board"] = m.board
	}
	if m.taskID != "" {
		fields["task_id"] = m.taskID
	}
	if m.storeDuration > 0 {
		fields["store_ms"] = durationToMillis(m.storeDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	if m.span != nil {
		attrs := []attribute.KeyValue{
			attribute.String("canvas.mutation.op", m.op),
			attribute.Int("http.status_code", status),
			attribute.Float64("canvas.mutation.total_ms", durationToMillis(time.Since(m.start))),
		}
		if m.board != "" {
			attrs = append(attrs, attribute.String("canvas.board", m.board))
		}
		if m.errorStage != "" {
			attrs = append(attrs, attribute.String("canvas.mutation.error_stage", m.errorStage))
		}
		m.span.SetAttributes(attrs...)
		if m.errorStage != "" || err != nil {
			m.span.SetStatus(codes.Error, m.errorStage)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
		m.span.End()
	}

	m.logger.WithFields(fields).Info(mutationEventName)
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
