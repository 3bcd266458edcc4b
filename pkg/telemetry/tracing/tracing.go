package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "ai-voice-connector/sip"

// Config controls span export
type Config struct {
	Enabled     bool
	Endpoint    string // OTLP gRPC collector, host:port
	Insecure    bool
	ServiceName string
	SampleRatio float64
}

// tracer resolves through the global provider so spans started before Init
// are no-ops and spans started after it are exported.
func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// DialogScope is the root span covering one dialog from INVITE to teardown.
type DialogScope struct {
	ctx     context.Context
	span    trace.Span
	endOnce sync.Once
}

// Context returns the context carrying the dialog span.
func (s *DialogScope) Context() context.Context {
	if s == nil {
		return context.Background()
	}
	return s.ctx
}

// SetAttributes attaches attributes to the dialog span.
func (s *DialogScope) SetAttributes(attrs ...attribute.KeyValue) {
	if s == nil {
		return
	}
	s.span.SetAttributes(attrs...)
}

// AddEvent records a lifecycle event on the dialog span.
func (s *DialogScope) AddEvent(name string, attrs ...attribute.KeyValue) {
	if s == nil {
		return
	}
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// End completes the dialog span. Only the first call has an effect.
func (s *DialogScope) End(err error) {
	if s == nil {
		return
	}
	s.endOnce.Do(func() {
		EndSpan(s.span, err)
	})
}

// StartDialogScope starts the root span for a dialog.
func StartDialogScope(parent context.Context, callID string, attrs ...attribute.KeyValue) *DialogScope {
	if parent == nil {
		parent = context.Background()
	}

	all := append([]attribute.KeyValue{attribute.String("sip.call_id", callID)}, attrs...)
	ctx, span := tracer().Start(parent, "sip.dialog",
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
	return &DialogScope{ctx: ctx, span: span}
}

// StartSpan creates a child span beneath the current context.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, opts...)
}

// EndSpan sets the span status from err and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Init installs the global tracer provider. With export disabled spans are
// sampled but never leave the process. The returned function flushes and
// stops the provider.
func Init(ctx context.Context, cfg Config, logger *logrus.Logger) (func(context.Context) error, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "ai-voice-connector"
	}

	sampleRatio := cfg.SampleRatio
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1
	}

	var providerOpts []sdktrace.TracerProviderOption

	if res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	); err != nil {
		logger.WithError(err).Warn("Failed to build OpenTelemetry resource")
	} else {
		providerOpts = append(providerOpts, sdktrace.WithResource(res))
	}

	providerOpts = append(providerOpts, sdktrace.WithSampler(
		sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio)),
	))

	var spanProcessor sdktrace.SpanProcessor
	if cfg.Enabled && cfg.Endpoint != "" {
		exporterCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}

		exporter, err := otlptracegrpc.New(exporterCtx, clientOpts...)
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize OTLP exporter, spans stay local")
		} else {
			spanProcessor = sdktrace.NewBatchSpanProcessor(exporter)
			providerOpts = append(providerOpts, sdktrace.WithSpanProcessor(spanProcessor))
			logger.WithField("endpoint", cfg.Endpoint).Info("OpenTelemetry export enabled")
		}
	}

	provider := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(shutdownCtx context.Context) error {
		if spanProcessor != nil {
			if err := spanProcessor.ForceFlush(shutdownCtx); err != nil {
				logger.WithError(err).Warn("Failed to flush spans during shutdown")
			}
		}
		return provider.Shutdown(shutdownCtx)
	}, nil
}
