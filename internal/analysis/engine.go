package analysis

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tabfuse/internal/config"
	"tabfuse/internal/errs"
	"tabfuse/internal/model"
)

// ProgressFunc receives one event per completed file.
type ProgressFunc func(model.FileProgress)

// AdaptiveThrottle adjusts concurrency from a moving average of recent task
// durations.
type AdaptiveThrottle struct {
	maxWorkers    int
	minWorkers    int
	slowThreshold time.Duration
	fastThreshold time.Duration
	window        int

	mu      sync.Mutex
	samples []time.Duration
	limit   int
}

// NewAdaptiveThrottle starts at the maximum limit with an 8-sample window.
func NewAdaptiveThrottle(maxWorkers int) *AdaptiveThrottle {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &AdaptiveThrottle{
		maxWorkers:    maxWorkers,
		minWorkers:    1,
		slowThreshold: 4 * time.Second,
		fastThreshold: 1500 * time.Millisecond,
		window:        8,
		limit:         maxWorkers,
	}
}

// Report folds one task duration into the window and adjusts the limit.
func (t *AdaptiveThrottle) Report(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, duration)
	if len(t.samples) > t.window {
		t.samples = t.samples[len(t.samples)-t.window:]
	}
	var total time.Duration
	for _, sample := range t.samples {
		total += sample
	}
	avg := total / time.Duration(len(t.samples))
	if avg > t.slowThreshold && t.limit > t.minWorkers {
		t.limit--
	} else if avg < t.fastThreshold && t.limit < t.maxWorkers {
		t.limit++
	}
}

// Limit returns the current concurrency limit, clamped to [min, max].
func (t *AdaptiveThrottle) Limit() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return max(t.minWorkers, min(t.maxWorkers, t.limit))
}

// Engine coordinates per-file analysis across a worker pool.
type Engine struct {
	cfg      *model.RuntimeConfig
	log      *zap.Logger
	progress ProgressFunc
}

// NewEngine builds an engine; logger and progress callback are optional.
func NewEngine(cfg *model.RuntimeConfig, opts ...EngineOption) *Engine {
	e := &Engine{cfg: cfg, log: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EngineOption customizes engine construction.
type EngineOption func(*Engine)

// WithLogger attaches a structured logger.
func WithLogger(log *zap.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithProgress attaches a per-file completion callback.
func WithProgress(fn ProgressFunc) EngineOption {
	return func(e *Engine) { e.progress = fn }
}

// AnalyzeFiles processes every file and returns results in input order
// regardless of completion order. A failed file occupies its slot with Err
// set; the engine proceeds with the remaining files.
func (e *Engine) AnalyzeFiles(ctx context.Context, files []string) ([]*model.FileAnalysisResult, error) {
	if len(files) == 0 {
		return nil, nil
	}
	maxWorkers := max(1, e.cfg.Profile.MaxParallelFiles)
	results := make([]*model.FileAnalysisResult, len(files))

	if maxWorkers == 1 {
		for idx, path := range files {
			if err := ctx.Err(); err != nil {
				return results, errs.Wrap(errs.KindState, err, "analysis cancelled")
			}
			results[idx] = e.analyzeOne(path)
			e.emitProgress(results[idx])
		}
		return results, nil
	}

	throttle := NewAdaptiveThrottle(maxWorkers)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxWorkers)

	// The errgroup holds the hard ceiling; the throttle gate trims the
	// effective parallelism below it when tasks run slow.
	gate := make(chan struct{}, maxWorkers)
	var gateMu sync.Mutex
	occupied := 0

	acquire := func() bool {
		for {
			gateMu.Lock()
			if occupied < throttle.Limit() {
				occupied++
				gateMu.Unlock()
				return true
			}
			gateMu.Unlock()
			select {
			case <-gate:
			case <-groupCtx.Done():
				return false
			}
		}
	}
	release := func() {
		gateMu.Lock()
		occupied--
		gateMu.Unlock()
		select {
		case gate <- struct{}{}:
		default:
		}
	}

	for idx, path := range files {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			if !acquire() {
				return groupCtx.Err()
			}
			defer release()
			start := time.Now()
			results[idx] = e.analyzeOne(path)
			throttle.Report(time.Since(start))
			e.emitProgress(results[idx])
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return results, errs.Wrap(errs.KindState, err, "analysis cancelled")
	}
	return results, nil
}

// analyzeOne runs the full per-file pipeline: count, plan, stream blocks,
// build signatures, then a whole-file column profile. An encoding failure
// retries the entire task once with CP1251 before giving up.
func (e *Engine) analyzeOne(path string) *model.FileAnalysisResult {
	encodingName := DetectFileEncoding(path, e.cfg.Global.Encoding)
	strict := config.DecodeErrorMode(e.cfg.Global.ErrorPolicy)

	result, err := e.analyzeWithEncoding(path, encodingName, strict)
	if err != nil && errs.Is(err, errs.KindEncoding) && encodingName != "cp1251" {
		e.log.Warn("encoding retry", zap.String("file", path), zap.String("fallback", "cp1251"))
		result, err = e.analyzeWithEncoding(path, "cp1251", strict)
	}
	if err != nil {
		e.log.Error("file analysis failed", zap.String("file", path), zap.Error(err))
		return &model.FileAnalysisResult{FilePath: path, Err: err}
	}
	return result
}

func (e *Engine) analyzeWithEncoding(path, encodingName string, strict bool) (*model.FileAnalysisResult, error) {
	dec := NewDecoder(encodingName, strict)
	totalLines, err := LineCounter{}.Count(path)
	if err != nil {
		return nil, err
	}
	planner := NewBlockPlanner(e.cfg.Profile.BlockSize, e.cfg.Profile.MinGapLines)
	plan := planner.Plan(totalLines)
	result := &model.FileAnalysisResult{FilePath: path, TotalLines: totalLines}
	if len(plan) == 0 {
		return result, nil
	}

	var headerLine string
	err = planner.Stream(path, plan, dec.DecodeBytes, func(buf BlockBuffer) error {
		if buf.Block.StartLine == 0 && len(buf.Lines) > 0 && headerLine == "" {
			headerLine = strings.TrimRight(buf.Lines[0], "\r\n")
		}
		// Blocks arrive in ascending start order, so the header line is
		// known before any later block of the same file.
		sig := BuildSignature(buf.Lines, e.cfg.Profile.SampleValuesCap, encodingName)
		sig.HeaderSample = headerLine
		result.Blocks = append(result.Blocks, &model.FileBlock{
			FilePath:  path,
			BlockID:   buf.Block.BlockID,
			StartLine: buf.Block.StartLine,
			EndLine:   buf.Block.EndLine,
			Signature: sig,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	delimiter := ","
	if len(result.Blocks) > 0 {
		delimiter = result.Blocks[0].Signature.Delimiter
	}
	if headerLine != "" {
		for _, cell := range splitTrimmed(headerLine, delimiter) {
			result.RawHeaders = append(result.RawHeaders, cell)
		}
	}
	result.ColumnProfiles = ProfileFileColumns(path, delimiter, dec)
	return result, nil
}

func (e *Engine) emitProgress(result *model.FileAnalysisResult) {
	if e.progress == nil || result == nil {
		return
	}
	e.progress(model.FileProgress{
		FilePath:      result.FilePath,
		ProcessedRows: result.TotalLines,
		TotalRows:     result.TotalLines,
		CurrentPhase:  "analysis-complete",
	})
}
