// Package retrieval drives one company run: list the filing history, resolve
// document metadata, then download every missing document through a bounded
// worker pool.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	"github.com/pearswick/dumpany/internal/dispatcher"
	"github.com/pearswick/dumpany/internal/downloader"
	"github.com/pearswick/dumpany/internal/filing"
	"github.com/pearswick/dumpany/internal/progress"
)

const unknownDocument = "unknown_document"

// Registry is the read side of the company registry.
type Registry interface {
	Company(ctx context.Context, number string) (filing.Company, error)
	FilingHistory(ctx context.Context, number string) ([]filing.Reference, error)
	DocumentMetadata(ctx context.Context, link string) (filing.Metadata, error)
}

// Store is the filesystem boundary as seen by the orchestrator.
type Store interface {
	EnsureDir(key string) (string, error)
	Exists(key string) (bool, error)
	Path(key string) (string, error)
}

// Downloader fetches a single document.
type Downloader interface {
	Download(ctx context.Context, task downloader.Task) downloader.Outcome
}

// IDGenerator issues run IDs.
type IDGenerator interface {
	NewRunID() (uuid.UUID, error)
}

// Document describes a successfully stored document.
type Document struct {
	RunID         uuid.UUID
	CompanyNumber string
	CompanyName   string
	Description   string
	SourceURL     string
	Key           string
	Path          string
	SHA256        string
	Bytes         int64
	DownloadedAt  time.Time
}

// Recorder is notified of every stored document, from worker goroutines.
// Implementations must be safe for concurrent use. Errors are logged only.
type Recorder interface {
	RecordDocument(ctx context.Context, doc Document) error
}

// Config controls the orchestrator.
type Config struct {
	// Workers is the download pool size. Default: 5.
	Workers int
}

// Summary is the result of one company run.
type Summary struct {
	RunID         string               `json:"run_id"`
	CompanyNumber string               `json:"company_number"`
	CompanyName   string               `json:"company_name"`
	OutputDir     string               `json:"output_dir"`
	Filings       int                  `json:"filings"`
	Skipped       int                  `json:"skipped"`
	NoDocument    int                  `json:"no_document"`
	Downloaded    int                  `json:"downloaded"`
	Failed        int                  `json:"failed"`
	StartedAt     time.Time            `json:"started_at"`
	FinishedAt    time.Time            `json:"finished_at"`
	Outcomes      []downloader.Outcome `json:"outcomes"`
}

// Orchestrator runs companies one at a time. Concurrency lives inside a run.
type Orchestrator struct {
	cfg        Config
	registry   Registry
	store      Store
	downloader Downloader
	emitter    progress.Emitter
	ids        IDGenerator
	clock      clock.Clock
	logger     *zap.Logger
	recorders  []Recorder
}

// New builds an Orchestrator. emitter may be nil.
func New(
	cfg Config,
	registry Registry,
	store Store,
	dl Downloader,
	emitter progress.Emitter,
	ids IDGenerator,
	clk clock.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		registry:   registry,
		store:      store,
		downloader: dl,
		emitter:    emitter,
		ids:        ids,
		clock:      clk,
		logger:     logger,
	}
}

// WithRecorders adds document recorders and returns o.
func (o *Orchestrator) WithRecorders(recorders ...Recorder) *Orchestrator {
	for _, r := range recorders {
		if r != nil {
			o.recorders = append(o.recorders, r)
		}
	}
	return o
}

// Run retrieves every document of one company. Individual document failures
// are logged and counted in the Summary; only company-level failures and
// cancellation are returned as errors.
func (o *Orchestrator) Run(ctx context.Context, companyNumber string, debug bool) (Summary, error) {
	runID, err := o.ids.NewRunID()
	if err != nil {
		return Summary{}, fmt.Errorf("new run id: %w", err)
	}
	summary := Summary{
		RunID:         runID.String(),
		CompanyNumber: companyNumber,
		StartedAt:     o.clock.Now().UTC(),
	}
	log := o.logger.With(zap.String("run_id", summary.RunID), zap.String("company_number", companyNumber))

	company, err := o.registry.Company(ctx, companyNumber)
	if err != nil {
		return summary, fmt.Errorf("lookup company %s: %w", companyNumber, err)
	}
	dirKey := company.DirName()
	summary.CompanyName = dirKey

	outputDir, err := o.store.EnsureDir(dirKey)
	if err != nil {
		return summary, fmt.Errorf("create output directory for %s: %w", companyNumber, err)
	}
	summary.OutputDir = outputDir

	refs, err := o.registry.FilingHistory(ctx, companyNumber)
	if err != nil {
		return summary, fmt.Errorf("list filings for %s: %w", companyNumber, err)
	}
	refs = withDocuments(refs)
	summary.Filings = len(refs)
	log.Info("found documents", zap.String("company", dirKey), zap.Int("documents", len(refs)))

	reporter := progress.NewReporter(o.emitter, runID, dirKey, o.clock)
	reporter.StartPhase(progress.PhaseMetadata, len(refs))
	reporter.Show(progress.PhaseMetadata)

	tasks, err := o.plan(ctx, log, reporter, dirKey, refs, debug, &summary)
	reporter.Hide(progress.PhaseMetadata)
	if err != nil {
		reporter.Done("canceled")
		return o.finish(summary), err
	}

	reporter.StartPhase(progress.PhaseDownload, len(tasks))
	reporter.Show(progress.PhaseDownload)

	pool := dispatcher.New(o.cfg.Workers, o.handler(runID, company, dirKey), log)
	pool.Run(ctx, tasks, func(out downloader.Outcome) {
		summary.Outcomes = append(summary.Outcomes, out)
		switch {
		case out.Skipped:
			summary.Skipped++
		case out.Success:
			summary.Downloaded++
		default:
			summary.Failed++
			log.Error("failed to download document",
				zap.String("description", out.Task.Description),
				zap.String("reason", out.Reason),
				zap.Int("attempts", out.Attempts),
				zap.Error(out.Err),
			)
			reporter.Fail(progress.PhaseDownload, out.Task.Description, failureNote(out))
		}
		reporter.Advance(progress.PhaseDownload, out.Task.Description, out.Bytes)
	})
	reporter.Done("")

	summary = o.finish(summary)
	log.Info("company run finished",
		zap.String("output_dir", summary.OutputDir),
		zap.Int("downloaded", summary.Downloaded),
		zap.Int("skipped", summary.Skipped),
		zap.Int("no_document", summary.NoDocument),
		zap.Int("failed", summary.Failed),
	)
	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("run %s interrupted: %w", companyNumber, err)
	}
	return summary, nil
}

// plan resolves metadata for each filing in order and returns the download
// tasks for documents that are not on disk yet.
func (o *Orchestrator) plan(
	ctx context.Context,
	log *zap.Logger,
	reporter *progress.Reporter,
	dirKey string,
	refs []filing.Reference,
	debug bool,
	summary *Summary,
) ([]downloader.Task, error) {
	tasks := make([]downloader.Task, 0, len(refs))
	planned := make(map[string]struct{}, len(refs))

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return tasks, err
		}
		description := documentDescription(ref)
		task := downloader.Task{Description: description, Debug: debug}

		meta, err := o.registry.DocumentMetadata(ctx, ref.MetadataLink)
		switch {
		case err != nil && ctx.Err() != nil:
			return tasks, ctx.Err()
		case err != nil:
			log.Warn("metadata lookup failed, deferring to download worker",
				zap.String("description", description),
				zap.String("metadata_link", ref.MetadataLink),
				zap.Error(err),
			)
			task.MetadataURL = ref.MetadataLink
			task.Destination = filing.DestinationPath(dirKey, ref.Date.Format(filing.DateLayout), dirKey, description)
			task.Naming = &downloader.Naming{CompanyDir: dirKey, FilingDate: ref.Date}
		case meta.DocumentLink == "":
			summary.NoDocument++
			reporter.Advance(progress.PhaseMetadata, description, 0)
			continue
		default:
			task.DocumentURL = meta.DocumentLink
			task.Destination = filing.DestinationPath(dirKey, meta.CreatedDate(ref.Date), dirKey, description)
		}

		exists, err := o.store.Exists(task.Destination)
		if err != nil {
			log.Warn("cannot check destination, downloading anyway",
				zap.String("destination", task.Destination),
				zap.Error(err),
			)
		}
		if _, dup := planned[task.Destination]; exists || dup {
			if dup {
				log.Warn("another filing maps to the same file",
					zap.String("destination", task.Destination),
					zap.String("transaction_id", ref.TransactionID),
				)
			}
			summary.Skipped++
			reporter.Advance(progress.PhaseMetadata, description, 0)
			continue
		}
		planned[task.Destination] = struct{}{}
		tasks = append(tasks, task)
		reporter.Advance(progress.PhaseMetadata, description, 0)
	}
	return tasks, nil
}

func (o *Orchestrator) handler(runID uuid.UUID, company filing.Company, dirKey string) func(context.Context, downloader.Task) downloader.Outcome {
	return func(ctx context.Context, task downloader.Task) downloader.Outcome {
		out := o.downloader.Download(ctx, task)
		if out.Success && !out.Skipped && len(o.recorders) > 0 {
			o.record(ctx, runID, company, dirKey, out)
		}
		return out
	}
}

func (o *Orchestrator) record(ctx context.Context, runID uuid.UUID, company filing.Company, dirKey string, out downloader.Outcome) {
	full, err := o.store.Path(out.Task.Destination)
	if err != nil {
		o.logger.Warn("cannot resolve stored document path", zap.Error(err))
		return
	}
	doc := Document{
		RunID:         runID,
		CompanyNumber: company.Number,
		CompanyName:   dirKey,
		Description:   out.Task.Description,
		SourceURL:     out.Task.DocumentURL,
		Key:           out.Task.Destination,
		Path:          full,
		SHA256:        out.SHA256,
		Bytes:         out.Bytes,
		DownloadedAt:  o.clock.Now().UTC(),
	}
	if doc.SourceURL == "" {
		doc.SourceURL = out.Task.MetadataURL
	}
	for _, r := range o.recorders {
		if err := r.RecordDocument(ctx, doc); err != nil {
			o.logger.Warn("document recorder failed",
				zap.String("destination", doc.Key),
				zap.Error(err),
			)
		}
	}
}

func (o *Orchestrator) finish(s Summary) Summary {
	s.FinishedAt = o.clock.Now().UTC()
	return s
}

// withDocuments keeps filings that link to document metadata, stable-sorted
// by filing date so equal dates keep registry order.
func withDocuments(refs []filing.Reference) []filing.Reference {
	out := make([]filing.Reference, 0, len(refs))
	for _, ref := range refs {
		if ref.HasDocument() {
			out = append(out, ref)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func documentDescription(ref filing.Reference) string {
	if d := filing.SanitizeFilename(ref.Label()); d != "" {
		return d
	}
	return unknownDocument
}

func failureNote(out downloader.Outcome) string {
	if out.Cause != "" {
		return out.Reason + ": " + out.Cause
	}
	if out.Reason != "" {
		return out.Reason
	}
	if out.Err != nil {
		return out.Err.Error()
	}
	return "failed"
}

// ErrNoCompanies is returned by RunAll when given nothing to do.
var ErrNoCompanies = errors.New("retrieval: no company numbers given")

// RunAll runs each company in turn. A failing company is logged and the next
// one proceeds; cancellation stops the loop. The returned error joins every
// company-level failure.
func (o *Orchestrator) RunAll(ctx context.Context, numbers []string, debug bool, onSummary func(Summary)) error {
	if len(numbers) == 0 {
		return ErrNoCompanies
	}
	var errs []error
	for _, number := range numbers {
		summary, err := o.Run(ctx, number, debug)
		if err != nil {
			o.logger.Error("company run failed", zap.String("company_number", number), zap.Error(err))
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if onSummary != nil {
			onSummary(summary)
		}
	}
	return errors.Join(errs...)
}
