package mockstate

import (
	"context"

	"github.com/goliatone/go-mockstate/disposition"
	"github.com/goliatone/go-mockstate/logging"
	"github.com/goliatone/go-mockstate/scenario"
	"github.com/goliatone/go-mockstate/store"
)

// Fallback explains why a stateful mock was answered as a recording.
type Fallback struct {
	From      disposition.Disposition `json:"from"`
	ErrorCode string                  `json:"error_code,omitempty"`
	Error     string                  `json:"error"`
	Retryable bool                    `json:"retryable,omitempty"`
}

// Result is what the host needs to render a response: the disposition and,
// for stateful mocks, the outcome with the current instance.
type Result struct {
	Disposition disposition.Disposition `json:"disposition"`
	Outcome     *scenario.Outcome       `json:"outcome,omitempty"`
	Instance    *store.InstanceRecord   `json:"instance,omitempty"`
	Fallback    *Fallback               `json:"fallback,omitempty"`
	Recorded    bool                    `json:"recorded,omitempty"`
}

// Decide returns the disposition for req without executing it.
func (e *Engine) Decide(ctx context.Context, req *disposition.Request) disposition.Disposition {
	return e.chain.Decide(ctx, req)
}

// Handle decides req and executes the disposition when it belongs to the
// engine. Stateful mocks advance their resource. Recordings are captured.
// Replay, fail and proxy dispositions are returned for the host to act on.
//
// Handle never fails: a stateful execution error falls back to recording
// the request and is reported in Result.Fallback.
func (e *Engine) Handle(ctx context.Context, req *disposition.Request) *Result {
	if req == nil {
		req = &disposition.Request{}
	}
	d := e.chain.Decide(ctx, req)
	res := &Result{Disposition: d}

	switch d.Kind {
	case disposition.KindStatefulMock:
		out, err := e.executor.Execute(ctx, d.ResourceType, d.ResourceID, req.Condition(),
			scenario.WithRequestFingerprint(d.Fingerprint))
		if err != nil {
			res.Fallback = &Fallback{
				From:      d,
				ErrorCode: scenario.ErrorCode(err),
				Error:     err.Error(),
				Retryable: scenario.IsRetryable(err),
			}
			logging.WithFields(e.logger, map[string]any{
				"resource_type": d.ResourceType,
				"resource_id":   d.ResourceID,
				"fingerprint":   d.Fingerprint,
			}).Warn("stateful mock failed, recording instead: %v", err)
			res.Disposition = disposition.Record()
			res.Disposition.Fingerprint = d.Fingerprint
			res.Recorded = e.record(ctx, req, "stateful_mock_failed")
			return res
		}
		res.Outcome = out
		res.Instance = out.Instance
	case disposition.KindRecord:
		res.Recorded = e.record(ctx, req, "")
	}
	return res
}

func (e *Engine) record(ctx context.Context, req *disposition.Request, reason string) bool {
	if err := e.recorder.Record(ctx, disposition.NewRecording(req, reason)); err != nil {
		e.logger.Warn("record request %s %s: %v", req.Method, req.Path, err)
		return false
	}
	return true
}
