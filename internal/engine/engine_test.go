package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/cljeval/cljeval/internal/config"
	"github.com/cljeval/cljeval/internal/events"
	"github.com/cljeval/cljeval/internal/forms"
	"github.com/cljeval/cljeval/internal/launch"
	"github.com/cljeval/cljeval/internal/process"
	"github.com/cljeval/cljeval/internal/session"
	"github.com/cljeval/cljeval/internal/value"
)

var testRuntime = config.Runtime{
	BootstrapArchivePath: "/opt/clojure.jar",
	JavaPath:             "java",
	EntryPoint:           "clojure.main",
}

func TestEvaluateProcessOutputNeverBuildsWrapper(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{}
	processes := &fakeProcesses{output: "3\n"}
	engine := newTestEngine(t, sessions, processes, nil)

	result, err := engine.Evaluate(context.Background(), Request{
		Body:       "(println (+ x 2))",
		Bindings:   forms.Bindings{}.With("x", 1),
		Kind:       ResultOutput,
		SessionRef: "none",
	})
	require.NoError(t, err)

	assert.Equal(t, Result{Kind: ResultOutput, Output: "3\n"}, result)
	assert.Equal(t, []string{"RunOutput"}, processes.callNames())
	assert.Equal(t, "(let [x 1]\n(println (+ x 2))\n)", processes.body)
	assert.Equal(t, []string{"java", "-cp", "/opt/clojure.jar", "clojure.main"}, processes.argv)
	assert.Zero(t, sessions.initiated)
}

func TestEvaluateProcessValueReadsSinkAndClassifies(t *testing.T) {
	t.Parallel()

	processes := &fakeProcesses{sinkContents: `["a" "b"]`}
	engine := newTestEngine(t, &fakeSessions{}, processes, nil)

	result, err := engine.Evaluate(context.Background(), Request{
		Body: `(map str [:a :b])`,
		Kind: ResultValue,
	})
	require.NoError(t, err)

	assert.Equal(t, ResultValue, result.Kind)
	assert.True(t, result.Value.Equal(value.List(value.Scalar(`"a"`), value.Scalar(`"b"`))), "value = %s", result.Value)
	assert.Equal(t, []string{"NewSink", "RunValue"}, processes.callNames())
	assert.Contains(t, processes.wrapper, "(pr-str (main))")
	assert.Contains(t, processes.wrapper, processes.sinkPath)
	assert.Contains(t, processes.wrapper, "(map str [:a :b])")
}

func TestEvaluateSessionOutputDropsValueFragment(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{lines: []string{"1\n", "2\n", ":done"}}
	processes := &fakeProcesses{}
	engine := newTestEngine(t, sessions, processes, nil)

	result, err := engine.Evaluate(context.Background(), Request{
		Body:       "(println 1) (println 2) :done",
		Bindings:   forms.Bindings{}.With("a", "x").With("b", []int{1, 2}),
		Kind:       ResultOutput,
		SessionRef: "s1",
	})
	require.NoError(t, err)

	assert.Equal(t, "1\n2", result.Output)
	assert.Equal(t, "s1", sessions.lastID)
	assert.Equal(t, "(let [a \"x\"\n      b '(1 2)]\n(println 1) (println 2) :done\n)", sessions.source)
	assert.Empty(t, processes.callNames())
}

func TestEvaluateSessionValueClassifiesLastFragment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		lines []string
		want  value.Value
	}{
		{
			name:  "vector",
			lines: []string{"noise\n", "[1 [2 3]]"},
			want:  value.List(value.Scalar("1"), value.List(value.Scalar("2"), value.Scalar("3"))),
		},
		{
			name:  "scalar",
			lines: []string{"42"},
			want:  value.Scalar("42"),
		},
		{
			name:  "evaluation raised",
			lines: []string{"Execution error\n", ""},
			want:  value.Scalar(""),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			engine := newTestEngine(t, &fakeSessions{lines: tt.lines}, &fakeProcesses{}, nil)
			result, err := engine.Evaluate(context.Background(), Request{Body: "x", Kind: ResultValue, SessionRef: "s1"})
			require.NoError(t, err)
			assert.True(t, result.Value.Equal(tt.want), "value = %s, want %s", result.Value, tt.want)
		})
	}
}

func TestEvaluateConfigurationErrorBeforeSpawn(t *testing.T) {
	t.Parallel()

	processes := &fakeProcesses{}
	engine, err := New(Options{Sessions: &fakeSessions{}, Processes: processes})
	require.NoError(t, err)

	_, err = engine.Evaluate(context.Background(), Request{Body: "(+ 1 1)", Kind: ResultValue})

	var cfgErr *launch.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "error = %v", err)
	assert.Empty(t, processes.callNames())
}

func TestEvaluateSurfacesSessionStartError(t *testing.T) {
	t.Parallel()

	bus := &recordingBus{}
	startErr := &session.StartError{ID: "s1", Err: errors.New("connection refused")}
	engine := newTestEngine(t, &fakeSessions{initErr: startErr}, &fakeProcesses{}, bus)

	_, err := engine.Evaluate(context.Background(), Request{Body: "1", Kind: ResultOutput, SessionRef: "s1"})

	var got *session.StartError
	require.True(t, errors.As(err, &got), "error = %v", err)
	assert.Equal(t, []string{events.EventTypeEvaluationStarted, events.EventTypeEvaluationFailed}, bus.types())
}

func TestEvaluateRejectsInvalidBindings(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, &fakeSessions{}, &fakeProcesses{}, nil)
	_, err := engine.Evaluate(context.Background(), Request{
		Body:     "x",
		Bindings: forms.Bindings{{Name: "bad name", Value: 1}},
	})
	require.Error(t, err)
}

func TestEvaluateRecordsSpanAndEvents(t *testing.T) {
	recorder := installSpanRecorder(t)
	bus := &recordingBus{}
	engine := newTestEngine(t, &fakeSessions{lines: []string{"ok\n", "nil"}}, &fakeProcesses{}, bus)

	_, err := engine.Evaluate(context.Background(), Request{Body: "(println :ok)", SessionRef: "s1"})
	require.NoError(t, err)

	var span sdktrace.ReadOnlySpan
	for _, ended := range recorder.Ended() {
		if ended.Name() == "engine.evaluate" {
			span = ended
		}
	}
	require.NotNil(t, span, "engine.evaluate span not recorded")
	assert.Equal(t, "session", stringAttr(span.Attributes(), "route"))
	assert.Equal(t, "s1", stringAttr(span.Attributes(), "session_ref"))
	assert.Equal(t, "output", stringAttr(span.Attributes(), "result_kind"))
	assert.Equal(t, []string{events.EventTypeEvaluationStarted, events.EventTypeEvaluationCompleted}, bus.types())
}

func TestParseResultKind(t *testing.T) {
	t.Parallel()

	kind, err := ParseResultKind(" Value ")
	require.NoError(t, err)
	assert.Equal(t, ResultValue, kind)

	kind, err = ParseResultKind("output")
	require.NoError(t, err)
	assert.Equal(t, ResultOutput, kind)

	_, err = ParseResultKind("table")
	assert.Error(t, err)
}

func TestResultString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "hi\n", Result{Kind: ResultOutput, Output: "hi\n"}.String())
	assert.Equal(t, "[1 2]", Result{Kind: ResultValue, Value: value.List(value.Scalar("1"), value.Scalar("2"))}.String())
}

func newTestEngine(t *testing.T, sessions Sessions, processes Processes, bus events.Bus) *Engine {
	t.Helper()

	engine, err := New(Options{Sessions: sessions, Processes: processes, Runtime: testRuntime, Bus: bus})
	require.NoError(t, err)
	return engine
}

type fakeSessions struct {
	lines     []string
	initErr   error
	initiated int
	lastID    string
	source    string
}

func (f *fakeSessions) Initiate(_ context.Context, id string) (*session.Session, error) {
	f.initiated++
	f.lastID = id
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &session.Session{ID: id}, nil
}

func (f *fakeSessions) EvalSync(_ context.Context, _ *session.Session, source string) ([]string, error) {
	f.source = source
	return append([]string(nil), f.lines...), nil
}

type fakeProcesses struct {
	mu           sync.Mutex
	calls        []string
	output       string
	sinkContents string
	argv         []string
	body         string
	wrapper      string
	sinkPath     string
}

func (f *fakeProcesses) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeProcesses) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeProcesses) RunOutput(_ context.Context, argv []string, body string) (string, error) {
	f.record("RunOutput")
	f.argv = argv
	f.body = body
	return f.output, nil
}

func (f *fakeProcesses) NewSink() (process.Sink, error) {
	f.record("NewSink")
	f.sinkPath = filepath.Join("/tmp", "cljeval-sink-test", "result.edn")
	return process.Sink{Path: f.sinkPath}, nil
}

func (f *fakeProcesses) RunValue(_ context.Context, argv []string, wrapper string, sinkPath string) (string, error) {
	f.record("RunValue")
	f.argv = argv
	f.wrapper = wrapper
	if sinkPath != f.sinkPath {
		return "", errors.New("unexpected sink path " + sinkPath)
	}
	return strings.TrimSpace(f.sinkContents), nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Subscribe(string, events.Handler) {}

func (b *recordingBus) SubscribeAll(events.Handler) {}

func (b *recordingBus) Publish(event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, event := range b.events {
		out = append(out, event.Type)
	}
	return out
}

func installSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)

	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(previous)
	})

	return spanRecorder
}

func stringAttr(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}

var (
	_ Sessions   = (*fakeSessions)(nil)
	_ Processes  = (*fakeProcesses)(nil)
	_ events.Bus = (*recordingBus)(nil)
)
