package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cljeval/cljeval/internal/engine"
	"github.com/cljeval/cljeval/internal/forms"
)

const tracerName = "cljeval/document"

// DefaultLanguages are the fence languages evaluated when none are configured.
var DefaultLanguages = []string{"clojure", "clj"}

// Evaluator evaluates one request. *engine.Engine satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, req engine.Request) (engine.Result, error)
}

// Options configures Run. Header arguments on a block override Session and
// Results; header vars are appended after Bindings so they shadow them.
type Options struct {
	Languages []string
	Session   string
	Results   engine.ResultKind
	Bindings  forms.Bindings
	// KeepGoing renders a failed block's error as its result and moves on
	// instead of aborting the run.
	KeepGoing bool
	Logger    *log.Logger
}

// Report counts what Run did.
type Report struct {
	Evaluated int
	Skipped   int
	Failed    int
}

type edit struct {
	start int
	end   int
	text  string
}

// Run evaluates every matching block in src in document order and returns
// the document with each block's results region written or replaced.
func Run(ctx context.Context, src []byte, eval Evaluator, opts Options) ([]byte, Report, error) {
	if eval == nil {
		return nil, Report{}, errors.New("evaluator is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	languages := opts.Languages
	if len(languages) == 0 {
		languages = DefaultLanguages
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "document.run")
	defer span.End()

	blocks, err := Parse(src, languages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, Report{}, err
	}
	span.SetAttributes(attribute.Int("blocks", len(blocks)))

	report := Report{}
	edits := make([]edit, 0, len(blocks))
	for _, block := range blocks {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		blockLogger := logger.With("block", block.Index, "line", block.Line)
		if block.Header.Skip {
			report.Skipped++
			continue
		}
		if len(block.Header.Unknown) > 0 {
			blockLogger.Warn("ignoring unknown header arguments", "keys", block.Header.Unknown)
		}

		req := requestFor(block, opts)
		result, err := eval.Evaluate(ctx, req)
		var rendered string
		if err != nil {
			report.Failed++
			if !opts.KeepGoing {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, report, fmt.Errorf("block at line %d: %w", block.Line, err)
			}
			blockLogger.Error("block failed", "err", err)
			rendered = RenderError(err)
		} else {
			report.Evaluated++
			rendered = RenderResult(result)
		}
		edits = append(edits, resultsEdit(src, block, rendered))
	}

	span.SetAttributes(
		attribute.Int("evaluated", report.Evaluated),
		attribute.Int("skipped", report.Skipped),
		attribute.Int("failed", report.Failed),
	)
	span.SetStatus(codes.Ok, "document evaluated")
	return apply(src, edits), report, nil
}

func requestFor(block Block, opts Options) engine.Request {
	bindings := make(forms.Bindings, 0, len(opts.Bindings)+len(block.Header.Vars))
	bindings = append(bindings, opts.Bindings...)
	bindings = append(bindings, block.Header.Vars...)

	req := engine.Request{
		Body:       block.Body,
		Bindings:   bindings,
		Kind:       opts.Results,
		SessionRef: opts.Session,
	}
	if block.Header.ResultsSet {
		req.Kind = block.Header.Results
	}
	if block.Header.Session != "" {
		req.SessionRef = block.Header.Session
	}
	return req
}

func resultsEdit(src []byte, block Block, rendered string) edit {
	region := "\n" + ResultsMarker + "\n" + rendered + EndMarker + "\n"
	if block.HasResults() {
		return edit{start: block.resultsStart, end: block.resultsEnd, text: region}
	}
	if block.end > 0 && src[block.end-1] != '\n' {
		region = "\n" + region
	}
	return edit{start: block.end, end: block.end, text: region}
}

// apply splices edits into src back to front so earlier offsets stay valid.
func apply(src []byte, edits []edit) []byte {
	sort.Slice(edits, func(i, j int) bool { return edits[i].start > edits[j].start })
	out := bytes.Clone(src)
	for _, e := range edits {
		next := make([]byte, 0, len(out)-(e.end-e.start)+len(e.text))
		next = append(next, out[:e.start]...)
		next = append(next, e.text...)
		next = append(next, out[e.end:]...)
		out = next
	}
	return out
}
