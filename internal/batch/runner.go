// Package batch runs named lists of PLC reads and writes and keeps their
// results for export.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/keunjinahn/things-plc/internal/types"
	"github.com/keunjinahn/things-plc/internal/xgt"
)

// PLC is the transport a runner talks to.
type PLC interface {
	ReadValue(ctx context.Context, endpoint, addr string, dt types.DataType) (uint64, error)
	WriteValue(ctx context.Context, endpoint, addr string, dt types.DataType, value uint64) error
}

// ResultStore persists job results. Saving the same result twice is a no-op.
type ResultStore interface {
	SaveJobResults(ctx context.Context, results []JobResult) error
}

// Export targets for Flush.
const (
	ExportJSON     = "json"
	ExportCSV      = "csv"
	ExportDatabase = "database"
)

type Options struct {
	// Endpoint is host:port of the PLC all jobs run against.
	Endpoint      string
	Retry         xgt.RetryPolicy
	InterJobDelay time.Duration
	OutputDir     string
	Export        []string
}

// Summary counts results by status.
type Summary struct {
	Total          int `json:"total"`
	Success        int `json:"success"`
	PartialFailure int `json:"partial_failure"`
	Error          int `json:"error"`
	Skipped        int `json:"skipped"`
}

// FlushReport lists what a Flush wrote.
type FlushReport struct {
	Results int      `json:"results"`
	Files   []string `json:"files"`
	Saved   int      `json:"saved"`
}

type Runner struct {
	plc    PLC
	jobs   *JobSet
	store  ResultStore
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	// flushMu keeps one export in flight so pending results go out once
	flushMu sync.Mutex

	mu       sync.Mutex
	history  []JobResult
	flushed  int
	onResult []func(JobResult)
}

func NewRunner(plc PLC, jobs *JobSet, store ResultStore, opts Options, logger *zap.Logger) *Runner {
	if jobs == nil {
		jobs = &JobSet{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		plc:    plc,
		jobs:   jobs,
		store:  store,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// OnResult registers fn to be called with every recorded result.
func (r *Runner) OnResult(fn func(JobResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onResult = append(r.onResult, fn)
}

func (r *Runner) Jobs() []BatchJob {
	return append([]BatchJob(nil), r.jobs.Jobs...)
}

// Execute runs one job: reads first, then writes. The result is appended to
// the history whatever its status.
func (r *Runner) Execute(ctx context.Context, job BatchJob) JobResult {
	res := JobResult{
		ID:           uuid.New(),
		JobName:      job.Name,
		Description:  job.Description,
		Timestamp:    r.now().UTC(),
		Status:       StatusSuccess,
		ReadResults:  map[string]*uint64{},
		WriteResults: map[string]bool{},
		Errors:       []string{},
	}

	if !job.Enabled {
		res.Status = StatusSkipped
		r.logger.Info("Job disabled, skipping", zap.String("job", job.Name))
		r.record(res)
		return res
	}

	logger := r.logger.With(zap.String("job", job.Name), zap.String("endpoint", r.opts.Endpoint))
	logger.Info("Executing job", zap.Int("reads", len(job.Reads)), zap.Int("writes", len(job.Writes)))

	if err := r.run(ctx, job, &res); err != nil {
		res.Status = StatusError
		res.Errors = append(res.Errors, err.Error())
		logger.Error("Job aborted", zap.Error(err))
	} else if res.Status == StatusPartialFailure {
		logger.Warn("Job finished with failures", zap.Strings("errors", res.Errors))
	} else {
		logger.Info("Job finished")
	}

	r.record(res)
	return res
}

// run fills res. A returned error means the job could not continue.
func (r *Runner) run(ctx context.Context, job BatchJob, res *JobResult) error {
	var failedReads, failedWrites []string

	for _, req := range job.Reads {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := req.Key()

		var value uint64
		err := xgt.Retry(ctx, r.opts.Retry, func() error {
			v, err := r.plc.ReadValue(ctx, r.opts.Endpoint, req.Variable(), req.DataType)
			value = v
			return err
		})
		if err != nil {
			res.ReadResults[key] = nil
			if fatal(err) {
				return err
			}
			r.logger.Warn("Read failed", zap.String("job", job.Name), zap.String("address", key), zap.Error(err))
			failedReads = append(failedReads, key)
			continue
		}

		v := value
		res.ReadResults[key] = &v
		if th, ok := r.jobs.Thresholds[key]; ok {
			if msg := th.Check(key, v); msg != "" {
				r.logger.Warn("Threshold exceeded", zap.String("job", job.Name), zap.String("address", key), zap.Uint64("value", v))
				res.Errors = append(res.Errors, msg)
			}
		}
	}

	for _, req := range job.Writes {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := req.Key()

		raw, err := rawValue(*req.Value, req.DataType)
		if err == nil {
			err = xgt.Retry(ctx, r.opts.Retry, func() error {
				return r.plc.WriteValue(ctx, r.opts.Endpoint, req.Variable(), req.DataType, raw)
			})
		}
		res.WriteResults[key] = err == nil
		if err != nil {
			if fatal(err) {
				return err
			}
			r.logger.Warn("Write failed", zap.String("job", job.Name), zap.String("address", key), zap.Error(err))
			failedWrites = append(failedWrites, key)
		}
	}

	if len(failedReads) > 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("read failed: %v", failedReads))
		res.Status = StatusPartialFailure
	}
	if len(failedWrites) > 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("write failed: %v", failedWrites))
		res.Status = StatusPartialFailure
	}
	return nil
}

// fatal reports whether err ends the job rather than one address.
func fatal(err error) bool {
	var ce *xgt.ConnectionError
	return errors.As(err, &ce) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ExecuteAll runs jobs in order. A failed job never stops the ones after it;
// cancelling ctx does.
func (r *Runner) ExecuteAll(ctx context.Context, jobs []BatchJob) []JobResult {
	results := make([]JobResult, 0, len(jobs))
	for i, job := range jobs {
		if i > 0 && r.opts.InterJobDelay > 0 {
			t := time.NewTimer(r.opts.InterJobDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return results
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			return results
		}
		results = append(results, r.Execute(ctx, job))
	}
	return results
}

// RunNamed executes the named catalog jobs, or all of them when names is
// empty.
func (r *Runner) RunNamed(ctx context.Context, names []string) ([]JobResult, error) {
	jobs, err := r.jobs.Select(names)
	if err != nil {
		return nil, err
	}
	return r.ExecuteAll(ctx, jobs), nil
}

func (r *Runner) record(res JobResult) {
	r.mu.Lock()
	r.history = append(r.history, res)
	hooks := append([]func(JobResult){}, r.onResult...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(res)
	}
}

func (r *Runner) History() []JobResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]JobResult(nil), r.history...)
}

func (r *Runner) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Summary{Total: len(r.history)}
	for _, res := range r.history {
		switch res.Status {
		case StatusSuccess:
			s.Success++
		case StatusPartialFailure:
			s.PartialFailure++
		case StatusError:
			s.Error++
		case StatusSkipped:
			s.Skipped++
		}
	}
	return s
}

// SearchErrors returns results with an error message containing q,
// case-insensitively. An empty q matches every result that has errors.
func (r *Runner) SearchErrors(q string) []JobResult {
	q = strings.ToLower(q)

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []JobResult
	for _, res := range r.history {
		for _, msg := range res.Errors {
			if strings.Contains(strings.ToLower(msg), q) {
				out = append(out, res)
				break
			}
		}
	}
	return out
}

// Flush exports the results recorded since the previous flush to the
// configured targets. Nothing is marked flushed when any target fails.
func (r *Runner) Flush(ctx context.Context) (FlushReport, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	pending := append([]JobResult(nil), r.history[r.flushed:]...)
	mark := len(r.history)
	r.mu.Unlock()

	report := FlushReport{Results: len(pending), Files: []string{}}
	if len(pending) == 0 {
		return report, nil
	}

	ts := r.now()
	for _, target := range r.opts.Export {
		switch target {
		case ExportJSON, ExportCSV:
			path, err := writeExportFile(r.opts.OutputDir, target, ts, pending, r.jobs.Mapping)
			if err != nil {
				return report, err
			}
			report.Files = append(report.Files, path)
		case ExportDatabase:
			if r.store == nil {
				return report, fmt.Errorf("database export configured without a store")
			}
			if err := r.store.SaveJobResults(ctx, pending); err != nil {
				return report, fmt.Errorf("failed to save job results: %w", err)
			}
			report.Saved = len(pending)
		default:
			return report, fmt.Errorf("unknown export target %q", target)
		}
	}

	r.mu.Lock()
	if mark > r.flushed {
		r.flushed = mark
	}
	r.mu.Unlock()

	r.logger.Info("Batch results flushed",
		zap.Int("results", report.Results),
		zap.Strings("files", report.Files),
		zap.Int("saved", report.Saved))
	return report, nil
}
