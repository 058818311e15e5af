// Package extract turns document text into a deduplicated, coded list of
// requirements. A keyword pass always runs; a generative pass and an RFQ
// deep pass run when a generative extractor is configured.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/bid-analyzer/internal/config"
	"github.com/sells-group/bid-analyzer/internal/model"
)

var (
	// ErrParseFailure means generative output did not match the schema. Only
	// the affected document's generative results are discarded.
	ErrParseFailure = eris.New("extract: malformed generative output")

	// ErrServiceUnavailable means the generative provider could not be
	// reached (including an open circuit breaker). Extraction falls back to
	// the keyword pass.
	ErrServiceUnavailable = eris.New("extract: generative service unavailable")
)

// CombinedSource is the SourceDocument of requirements found by the pass
// over all documents together.
const CombinedSource = "combined"

// Options configures the Engine.
type Options struct {
	MaxChars       int
	CombinedChars  int
	DedupPrefixLen int
	Concurrency    int
	RFQDeepPass    bool
}

// OptionsFromConfig builds Options from the extraction config section.
func OptionsFromConfig(cfg config.ExtractionConfig) Options {
	return Options{
		MaxChars:       cfg.MaxChars,
		CombinedChars:  cfg.CombinedChars,
		DedupPrefixLen: cfg.DedupPrefixLen,
		Concurrency:    cfg.Concurrency,
		RFQDeepPass:    cfg.RFQDeepPass,
	}
}

// Output is the result of extraction over a set of documents.
type Output struct {
	Requirements []model.Requirement
	// Errs are non-fatal generative failures, each wrapping ErrParseFailure
	// or ErrServiceUnavailable.
	Errs []error
}

// Engine runs the extraction passes.
type Engine struct {
	gen  GenerativeExtractor
	opts Options
}

// NewEngine creates an Engine. gen may be nil to run the keyword pass only.
func NewEngine(gen GenerativeExtractor, opts Options) *Engine {
	if opts.MaxChars <= 0 {
		opts.MaxChars = 12000
	}
	if opts.CombinedChars <= 0 {
		opts.CombinedChars = 2 * opts.MaxChars
	}
	if opts.DedupPrefixLen <= 0 {
		opts.DedupPrefixLen = DefaultDedupPrefixLen
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Engine{gen: gen, opts: opts}
}

type callResult struct {
	reqs []model.Requirement
	err  error
}

// Extract runs every pass over docs and merges the results. Only context
// cancellation is returned as an error.
func (e *Engine) Extract(ctx context.Context, docs []model.Document) (*Output, error) {
	var usable []model.Document
	for _, d := range docs {
		if d.Usable() {
			usable = append(usable, d)
		}
	}

	var heuristic []model.Requirement
	for _, d := range usable {
		heuristic = append(heuristic, Heuristic(d)...)
	}

	out := &Output{}
	if e.gen == nil {
		out.Errs = append(out.Errs, eris.Wrap(ErrServiceUnavailable, "no generative extractor configured"))
		out.Requirements = Merge(e.opts.DedupPrefixLen, heuristic)
		return out, nil
	}

	perDoc := make([]callResult, len(usable))
	rfq := make([]callResult, len(usable))
	var combined callResult

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i, d := range usable {
		g.Go(func() error {
			perDoc[i] = e.generate(gCtx, d.Name, d.RawText, e.opts.MaxChars)
			return nil
		})
		if e.opts.RFQDeepPass && d.Classification == model.ClassRFQ {
			g.Go(func() error {
				rfq[i] = e.deepPass(gCtx, d)
				return nil
			})
		}
	}
	if len(usable) > 1 {
		g.Go(func() error {
			combined = e.generate(gCtx, CombinedSource, concatDocuments(usable), e.opts.CombinedChars)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "extract: cancelled")
	}

	var generative, deep []model.Requirement
	unavailable := false
	record := func(r callResult) []model.Requirement {
		if r.err == nil {
			return r.reqs
		}
		if errors.Is(r.err, ErrServiceUnavailable) {
			if unavailable {
				return nil
			}
			unavailable = true
		}
		out.Errs = append(out.Errs, r.err)
		return nil
	}
	for i := range usable {
		generative = append(generative, record(perDoc[i])...)
	}
	generative = append(generative, record(combined)...)
	for i := range usable {
		deep = append(deep, record(rfq[i])...)
	}

	out.Requirements = Merge(e.opts.DedupPrefixLen, heuristic, generative, deep)
	zap.L().Info("extract: requirements extracted",
		zap.Int("documents", len(usable)),
		zap.Int("heuristic", len(heuristic)),
		zap.Int("generative", len(generative)),
		zap.Int("rfq", len(deep)),
		zap.Int("merged", len(out.Requirements)),
		zap.Int("errors", len(out.Errs)),
	)
	return out, nil
}

func (e *Engine) generate(ctx context.Context, source, text string, limit int) callResult {
	prompt := fmt.Sprintf(requirementsPrompt, source, truncate(text, limit))
	raw, err := e.gen.Extract(ctx, prompt, requirementsSchema)
	if err != nil {
		logSkipped(source, err)
		return callResult{err: err}
	}
	reqs, err := parseRequirements(raw, source)
	if err != nil {
		logSkipped(source, err)
		return callResult{err: err}
	}
	return callResult{reqs: reqs}
}

func (e *Engine) deepPass(ctx context.Context, d model.Document) callResult {
	prompt := fmt.Sprintf(rfqPrompt, d.Name, truncate(d.RawText, e.opts.MaxChars))
	raw, err := e.gen.Extract(ctx, prompt, rfqSchema)
	if err != nil {
		logSkipped(d.Name, err)
		return callResult{err: err}
	}
	reqs, err := parseRFQ(raw, d.Name)
	if err != nil {
		logSkipped(d.Name, err)
		return callResult{err: err}
	}
	return callResult{reqs: reqs}
}

func concatDocuments(docs []model.Document) string {
	var sb strings.Builder
	for _, d := range docs {
		sb.WriteString("## ")
		sb.WriteString(d.Name)
		sb.WriteString("\n\n")
		sb.WriteString(d.RawText)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if r := []rune(s); n > 0 && len(r) > n {
		return string(r[:n])
	}
	return s
}

// GroupBySource returns the requirements of each document, keyed by
// document name.
func GroupBySource(reqs []model.Requirement) map[string][]model.Requirement {
	out := make(map[string][]model.Requirement)
	for _, r := range reqs {
		out[r.SourceDocument] = append(out[r.SourceDocument], r)
	}
	return out
}
