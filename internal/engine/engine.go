// Package engine is the evaluation dispatcher: it routes a request to a
// persistent session or a one-shot process and classifies what comes back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cljeval/cljeval/internal/config"
	"github.com/cljeval/cljeval/internal/events"
	"github.com/cljeval/cljeval/internal/forms"
	"github.com/cljeval/cljeval/internal/launch"
	"github.com/cljeval/cljeval/internal/process"
	"github.com/cljeval/cljeval/internal/session"
	"github.com/cljeval/cljeval/internal/value"
)

const tracerName = "cljeval/engine"

// ResultKind selects what an evaluation captures.
type ResultKind int

const (
	// ResultOutput captures everything the snippet printed.
	ResultOutput ResultKind = iota
	// ResultValue captures the value of the snippet's last form.
	ResultValue
)

func (k ResultKind) String() string {
	switch k {
	case ResultOutput:
		return "output"
	case ResultValue:
		return "value"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// ParseResultKind parses "output" or "value".
func ParseResultKind(raw string) (ResultKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "output":
		return ResultOutput, nil
	case "value":
		return ResultValue, nil
	default:
		return ResultOutput, fmt.Errorf("unknown result kind %q (want output or value)", raw)
	}
}

// Request is one evaluation. SessionRef "none" or "" runs a fresh process.
type Request struct {
	Body       string
	Bindings   forms.Bindings
	Kind       ResultKind
	SessionRef string
}

// Result is a captured and classified evaluation result. Output is set for
// ResultOutput, Value for ResultValue.
type Result struct {
	Kind   ResultKind
	Output string
	Value  value.Value
}

// String renders the result for display.
func (r Result) String() string {
	if r.Kind == ResultValue {
		return r.Value.String()
	}
	return r.Output
}

// Sessions is the persistent-session side of the dispatcher.
type Sessions interface {
	Initiate(ctx context.Context, id string) (*session.Session, error)
	EvalSync(ctx context.Context, s *session.Session, source string) ([]string, error)
}

// Processes is the one-shot process side of the dispatcher.
type Processes interface {
	RunOutput(ctx context.Context, argv []string, body string) (string, error)
	NewSink() (process.Sink, error)
	RunValue(ctx context.Context, argv []string, wrapper string, sinkPath string) (string, error)
}

// Options configures an Engine.
type Options struct {
	Sessions  Sessions
	Processes Processes
	// Runtime is re-read into a launch argv on every process evaluation.
	Runtime config.Runtime
	Logger  *log.Logger
	Bus     events.Bus
}

// Engine dispatches evaluation requests.
type Engine struct {
	sessions  Sessions
	processes Processes
	runtime   config.Runtime
	logger    *log.Logger
	bus       events.Bus
	now       func() time.Time
}

// New creates an Engine. Sessions and Processes are required.
func New(opts Options) (*Engine, error) {
	if opts.Sessions == nil {
		return nil, errors.New("sessions must not be nil")
	}
	if opts.Processes == nil {
		return nil, errors.New("processes must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.Nop{}
	}
	return &Engine{
		sessions:  opts.Sessions,
		processes: opts.Processes,
		runtime:   opts.Runtime,
		logger:    logger,
		bus:       bus,
		now:       time.Now,
	}, nil
}

// Evaluate runs req and returns its classified result.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Result, error) {
	if e == nil {
		return Result{}, errors.New("engine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Kind != ResultOutput && req.Kind != ResultValue {
		return Result{}, fmt.Errorf("unknown result kind %d", int(req.Kind))
	}
	if err := req.Bindings.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid bindings: %w", err)
	}

	ref := strings.TrimSpace(req.SessionRef)
	if ref == "" {
		ref = session.NoneID
	}

	ctx, span := otel.Tracer(tracerName).Start(
		ctx,
		"engine.evaluate",
		trace.WithAttributes(
			attribute.String("session_ref", ref),
			attribute.String("result_kind", req.Kind.String()),
			attribute.Int("bindings", len(req.Bindings)),
		),
	)
	defer span.End()

	logger := e.logger.With("session_ref", ref, "kind", req.Kind.String())
	started := e.now()
	e.publish(events.EventTypeEvaluationStarted, ref, req.Kind, 0, nil)

	var (
		result Result
		err    error
	)
	if ref == session.NoneID {
		span.SetAttributes(attribute.String("route", "process"))
		result, err = e.evaluateProcess(ctx, req)
	} else {
		span.SetAttributes(attribute.String("route", "session"))
		result, err = e.evaluateSession(ctx, ref, req)
	}

	elapsed := e.now().Sub(started)
	span.SetAttributes(attribute.Int64("duration_ms", elapsed.Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("evaluation failed", "err", err, "duration", elapsed)
		e.publish(events.EventTypeEvaluationFailed, ref, req.Kind, elapsed, err)
		return Result{}, err
	}

	if result.Kind == ResultValue {
		span.SetAttributes(attribute.String("value_kind", result.Value.Kind().String()))
	}
	span.SetStatus(codes.Ok, "evaluated")
	logger.Info("evaluation completed", "duration", elapsed)
	e.publish(events.EventTypeEvaluationCompleted, ref, req.Kind, elapsed, nil)
	return result, nil
}

func (e *Engine) evaluateSession(ctx context.Context, ref string, req Request) (Result, error) {
	s, err := e.sessions.Initiate(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	if s.None() {
		return e.evaluateProcess(ctx, req)
	}

	lines, err := e.sessions.EvalSync(ctx, s, forms.Build(req.Body, req.Bindings))
	if err != nil {
		return Result{}, err
	}
	if len(lines) == 0 {
		return Result{}, fmt.Errorf("session %s returned no result", s.ID)
	}

	last := len(lines) - 1
	switch req.Kind {
	case ResultValue:
		return Result{Kind: ResultValue, Value: value.Classify(lines[last])}, nil
	default:
		return Result{Kind: ResultOutput, Output: joinFragments(lines[:last])}, nil
	}
}

func (e *Engine) evaluateProcess(ctx context.Context, req Request) (Result, error) {
	spec, err := launch.Build(e.runtime)
	if err != nil {
		return Result{}, err
	}
	source := forms.Build(req.Body, req.Bindings)

	if req.Kind == ResultOutput {
		output, err := e.processes.RunOutput(ctx, spec.Args(), source)
		if err != nil {
			return Result{}, fmt.Errorf("run %s: %w", spec.Executable(), err)
		}
		return Result{Kind: ResultOutput, Output: output}, nil
	}

	sink, err := e.processes.NewSink()
	if err != nil {
		return Result{}, err
	}
	defer sink.Cleanup()

	wrapper, err := forms.BuildWrapper(source, sink.Path)
	if err != nil {
		return Result{}, err
	}
	raw, err := e.processes.RunValue(ctx, spec.Args(), wrapper, sink.Path)
	if err != nil {
		return Result{}, fmt.Errorf("run %s: %w", spec.Executable(), err)
	}
	return Result{Kind: ResultValue, Value: value.Classify(raw)}, nil
}

func (e *Engine) publish(eventType, ref string, kind ResultKind, elapsed time.Duration, err error) {
	severity := events.SeverityInfo
	payload := events.EvaluationPayload{
		SessionRef: ref,
		Kind:       kind.String(),
		Duration:   elapsed,
	}
	if err != nil {
		severity = events.SeverityError
		payload.Err = err.Error()
	}
	e.bus.Publish(events.Event{
		Type:       eventType,
		EntityType: events.EntityEvaluation,
		EntityID:   ref,
		Payload:    payload,
		Severity:   severity,
	})
}

// joinFragments joins output fragments with newlines. nREPL fragments
// usually end in their own newline, which is dropped first so each line
// appears once.
func joinFragments(fragments []string) string {
	lines := make([]string, 0, len(fragments))
	for _, fragment := range fragments {
		lines = append(lines, strings.TrimSuffix(fragment, "\n"))
	}
	return strings.Join(lines, "\n")
}
