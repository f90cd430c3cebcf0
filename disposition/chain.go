package disposition

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/goliatone/go-mockstate/logging"
)

const tracerName = "github.com/goliatone/go-mockstate/disposition"

// Stage decides whether it handles a request. Claim must not have side
// effects. An error means the stage could not decide and is treated as not
// claiming.
type Stage interface {
	Name() string
	Claim(ctx context.Context, req *Request) (Disposition, bool, error)
}

// Stages fixes the order the chain asks in. Nil stages are skipped. Record
// always runs last and always claims.
type Stages struct {
	Replay       Stage
	Fail         Stage
	Proxy        Stage
	StatefulMock Stage
}

// Chain is the priority router over Stages.
type Chain struct {
	stages  []Stage
	headers []string
	logger  logging.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithChainLogger sets the logger used for stage failures.
func WithChainLogger(logger logging.Logger) ChainOption {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithChainMetrics records decisions and stage failures.
func WithChainMetrics(m *Metrics) ChainOption {
	return func(c *Chain) { c.metrics = m }
}

// WithFingerprintHeaders names the headers that take part in the request
// fingerprint.
func WithFingerprintHeaders(names ...string) ChainOption {
	return func(c *Chain) { c.headers = append([]string(nil), names...) }
}

// NewChain builds a chain over stages.
func NewChain(stages Stages, opts ...ChainOption) *Chain {
	c := &Chain{
		logger: logging.NewFmtLogger(nil),
		tracer: otel.Tracer(tracerName),
	}
	for _, s := range []Stage{stages.Replay, stages.Fail, stages.Proxy, stages.StatefulMock} {
		if s != nil {
			c.stages = append(c.stages, s)
		}
	}
	c.stages = append(c.stages, RecordStage{})
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// StageNames lists the stages in the order they are asked.
func (c *Chain) StageNames() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name()
	}
	return names
}

// Fingerprint computes the fingerprint of req, stores it on req and returns it.
func (c *Chain) Fingerprint(req *Request) string {
	req.Fingerprint = ComputeFingerprint(req, c.headers)
	return req.Fingerprint
}

// Decide returns the disposition of the first stage that claims req. A stage
// that errors or panics is logged and skipped, so Decide always returns a
// disposition.
func (c *Chain) Decide(ctx context.Context, req *Request) Disposition {
	if req == nil {
		req = &Request{}
	}
	fp := c.Fingerprint(req)
	ctx, span := c.tracer.Start(ctx, "disposition.decide", trace.WithAttributes(
		attribute.String("method", req.Method),
		attribute.String("path", req.Path),
		attribute.String("fingerprint", fp),
	))
	defer span.End()

	logger := logging.WithFields(c.logger, map[string]any{"fingerprint": fp})
	for _, stage := range c.stages {
		name := stage.Name()
		d, ok, err := claimSafely(name, func() (Disposition, bool, error) {
			return stage.Claim(ctx, req)
		})
		if err != nil {
			reason := "error"
			if ErrorCode(err) == ErrCodeStagePanic {
				reason = "panic"
			} else {
				err = stageError(name, err)
			}
			span.RecordError(err)
			c.metrics.recordStageError(name, reason)
			logger.Error("stage %s failed, falling through: %v", name, err)
			continue
		}
		if !ok {
			continue
		}
		d.Fingerprint = fp
		span.SetAttributes(attribute.String("disposition", string(d.Kind)))
		c.metrics.recordDisposition(d.Kind)
		logger.Debug("%s %s dispositioned as %s", req.Method, req.Path, d.Kind)
		return d
	}
	// unreachable while RecordStage is last
	d := Record()
	d.Fingerprint = fp
	return d
}
