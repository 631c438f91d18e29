// Package downloader fetches single documents under the shared rate limits,
// retrying failed attempts within a fixed budget.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	"github.com/pearswick/dumpany/internal/filing"
	"github.com/pearswick/dumpany/internal/hash/sha256"
	"github.com/pearswick/dumpany/internal/metrics"
	"github.com/pearswick/dumpany/internal/ratelimit"
)

const (
	defaultMaxAttempts     = 3
	defaultBackoff         = 2 * time.Second
	defaultRetryAfter      = 300 * time.Second
	defaultAccept          = "application/pdf"
	maxRedirectBodyDiscard = 4 << 10
	resultSuccess          = "success"
	resultFailure          = "failure"
	resultSkipped          = "skipped"
)

// Governor is the process-wide request budget.
type Governor interface {
	Admit(ctx context.Context) error
	Reset()
}

// Throttle spaces requests to one host.
type Throttle interface {
	WaitFor(ctx context.Context, host string) error
}

// Resolver turns a metadata link into document metadata.
type Resolver interface {
	DocumentMetadata(ctx context.Context, link string) (filing.Metadata, error)
}

// Store persists a document body atomically under key.
type Store interface {
	Exists(key string) (bool, error)
	WriteFile(ctx context.Context, key string, data io.Reader) (int64, error)
}

// Config controls retry and request behavior.
type Config struct {
	APIKey            string
	MaxAttempts       int
	Backoff           time.Duration
	DefaultRetryAfter time.Duration
	Accept            string
}

// Task is one document to fetch. DocumentURL is empty when metadata
// resolution was deferred to the worker, in which case MetadataURL is set.
type Task struct {
	DocumentURL string
	MetadataURL string
	Destination string
	Description string
	Debug       bool
	// Naming lets a deferred task rebuild Destination from the resolved
	// creation date. Destination is used as given when Naming is nil.
	Naming *Naming
}

// Naming holds the parts of a document name known before metadata resolves.
type Naming struct {
	CompanyDir string
	FilingDate time.Time
}

// Outcome is the result of one Task. Task carries the final destination and
// document link.
type Outcome struct {
	Task    Task `json:"task"`
	Success bool `json:"success"`
	// Skipped is set with Success when a deferred task resolved to a file
	// that is already on disk.
	Skipped  bool   `json:"skipped,omitempty"`
	Attempts int    `json:"attempts"`
	Bytes    int64  `json:"bytes,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	// Reason is empty on success. When the budget runs out it is
	// ReasonExhausted and Cause holds the reason of the last attempt.
	Reason string `json:"reason,omitempty"`
	Cause  string `json:"cause,omitempty"`
	Err    error  `json:"-"`
}

type taskState int

const (
	statePending taskState = iota
	stateAttempting
	stateRetrying
	stateSucceeded
	stateFailed
)

func (s taskState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateAttempting:
		return "attempting"
	case stateRetrying:
		return "retrying"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Worker downloads documents. It is safe for concurrent use; all mutable
// state lives in the governor and throttle it shares with other workers.
type Worker struct {
	cfg      Config
	client   *http.Client
	governor Governor
	throttle Throttle
	resolver Resolver
	store    Store
	pauser   ratelimit.Pauser
	clock    clock.Clock
	logger   *zap.Logger
}

// New builds a Worker. The supplied client is copied with automatic redirect
// following disabled so the credential-free second hop can be issued by hand.
func New(
	cfg Config,
	client *http.Client,
	governor Governor,
	throttle Throttle,
	resolver Resolver,
	store Store,
	pauser ratelimit.Pauser,
	clk clock.Clock,
	logger *zap.Logger,
) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.DefaultRetryAfter <= 0 {
		cfg.DefaultRetryAfter = defaultRetryAfter
	}
	if cfg.Accept == "" {
		cfg.Accept = defaultAccept
	}
	if client == nil {
		client = &http.Client{}
	}
	noRedirect := *client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if clk == nil {
		clk = clock.New()
	}
	if pauser == nil {
		pauser = ratelimit.NewTimerPauser(clk)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:      cfg,
		client:   &noRedirect,
		governor: governor,
		throttle: throttle,
		resolver: resolver,
		store:    store,
		pauser:   pauser,
		clock:    clk,
		logger:   logger,
	}
}

// Download runs task to completion. Failures are reported in the Outcome,
// never returned or retried by the caller.
func (w *Worker) Download(ctx context.Context, task Task) Outcome {
	out := Outcome{}
	var lastErr error

	state := statePending
	for state != stateSucceeded && state != stateFailed {
		switch state {
		case statePending:
			state = stateAttempting

		case stateRetrying:
			metrics.ObserveRetry()
			w.logger.Warn("retrying document download",
				zap.String("description", task.Description),
				zap.Int("attempt", out.Attempts),
				zap.Duration("backoff", w.cfg.Backoff),
				zap.Error(lastErr),
			)
			if err := w.pauser.Pause(ctx, w.cfg.Backoff); err != nil {
				lastErr = err
				state = stateFailed
				continue
			}
			state = stateAttempting

		case stateAttempting:
			out.Attempts++
			res, err := w.attempt(ctx, &task)
			switch {
			case err == nil:
				out.Bytes, out.SHA256, out.Skipped = res.bytes, res.sha256, res.skipped
				state = stateSucceeded
			case terminal(ctx, err) || out.Attempts >= w.cfg.MaxAttempts:
				lastErr = err
				state = stateFailed
			default:
				lastErr = err
				state = stateRetrying
			}
		}
	}

	out.Task = task
	if state == stateSucceeded {
		out.Success = true
		if out.Skipped {
			metrics.ObserveDownload(resultSkipped, 0)
			w.trace(task, "document already present", zap.String("destination", task.Destination))
			return out
		}
		metrics.ObserveDownload(resultSuccess, out.Bytes)
		w.trace(task, "document saved",
			zap.String("destination", task.Destination),
			zap.Int64("bytes", out.Bytes),
			zap.Int("attempts", out.Attempts),
		)
		return out
	}

	out.Reason = classify(ctx, lastErr)
	out.Err = lastErr
	if !terminal(ctx, lastErr) && out.Attempts >= w.cfg.MaxAttempts {
		out.Cause = out.Reason
		out.Reason = ReasonExhausted
		out.Err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, out.Attempts, lastErr)
	}
	metrics.ObserveDownload(resultFailure, 0)
	return out
}

type attemptResult struct {
	bytes   int64
	sha256  string
	skipped bool
}

// attempt makes one pass at task. A deferred task is resolved first, which
// fills in its DocumentURL and may move its Destination.
func (w *Worker) attempt(ctx context.Context, task *Task) (attemptResult, error) {
	if task.DocumentURL == "" {
		meta, err := w.resolve(ctx, *task)
		if err != nil {
			return attemptResult{}, err
		}
		task.DocumentURL = meta.DocumentLink
		if w.rename(task, meta) {
			return attemptResult{skipped: true}, nil
		}
	}
	docURL := task.DocumentURL
	host, err := ratelimit.HostOf(docURL)
	if err != nil {
		return attemptResult{}, fmt.Errorf("%w: %w", ErrResolution, err)
	}

	if err := w.governor.Admit(ctx); err != nil {
		return attemptResult{}, err
	}
	if err := w.throttle.WaitFor(ctx, host); err != nil {
		return attemptResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return attemptResult{}, fmt.Errorf("%w: %w", ErrResolution, err)
	}
	req.SetBasicAuth(w.cfg.APIKey, "")
	req.Header.Set("Accept", w.cfg.Accept)

	w.trace(*task, "fetching document", zap.String("url", docURL))
	resp, err := w.client.Do(req)
	if err != nil {
		metrics.ObserveUpstreamRequest(host, 0)
		return attemptResult{}, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	metrics.ObserveUpstreamRequest(host, resp.StatusCode)
	w.trace(*task, "document response", zap.String("url", docURL), zap.Int("status", resp.StatusCode))

	if isRedirect(resp.StatusCode) {
		location := resp.Header.Get("Location")
		drainAndClose(resp)
		if location == "" {
			return attemptResult{}, &StatusError{URL: docURL, Code: resp.StatusCode}
		}
		target, err := req.URL.Parse(location)
		if err != nil {
			return attemptResult{}, fmt.Errorf("%w: bad redirect location %q: %w", ErrTransient, location, err)
		}
		w.trace(*task, "following redirect", zap.String("location", target.String()))
		resp, err = w.follow(ctx, target.String())
		if err != nil {
			return attemptResult{}, err
		}
		if isRedirect(resp.StatusCode) {
			drainAndClose(resp)
			return attemptResult{}, &StatusError{URL: target.String(), Code: resp.StatusCode}
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return w.consume(ctx, *task, resp)
}

func (w *Worker) resolve(ctx context.Context, task Task) (filing.Metadata, error) {
	if task.MetadataURL == "" {
		return filing.Metadata{}, fmt.Errorf("%w: task has neither document nor metadata link", ErrResolution)
	}
	meta, err := w.resolver.DocumentMetadata(ctx, task.MetadataURL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return filing.Metadata{}, ctxErr
		}
		return filing.Metadata{}, fmt.Errorf("%w: %w", ErrResolution, err)
	}
	if meta.DocumentLink == "" {
		return filing.Metadata{}, fmt.Errorf("%w: metadata has no document link", ErrResolution)
	}
	return meta, nil
}

// rename points a deferred task at the name built from the resolved creation
// date, the name an undeferred run would have planned. It reports true when a
// document already exists under the new name.
func (w *Worker) rename(task *Task, meta filing.Metadata) bool {
	if task.Naming == nil {
		return false
	}
	n := task.Naming
	key := filing.DestinationPath(n.CompanyDir, meta.CreatedDate(n.FilingDate), n.CompanyDir, task.Description)
	if key == task.Destination {
		return false
	}
	w.trace(*task, "resolved destination",
		zap.String("planned", task.Destination),
		zap.String("destination", key),
	)
	task.Destination = key
	exists, err := w.store.Exists(key)
	if err != nil {
		w.logger.Warn("cannot check destination, downloading anyway",
			zap.String("destination", key),
			zap.Error(err),
		)
		return false
	}
	return exists
}

// follow issues the second hop of a redirect. The request carries no
// credentials and no headers other than Accept; it is spaced per host but does
// not draw on the global budget, which only meters registry calls.
func (w *Worker) follow(ctx context.Context, target string) (*http.Response, error) {
	host, err := ratelimit.HostOf(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if err := w.throttle.WaitFor(ctx, host); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	req.Header = http.Header{}
	req.Header.Set("Accept", w.cfg.Accept)
	// An explicitly empty User-Agent keeps net/http from adding its own.
	req.Header.Set("User-Agent", "")

	resp, err := w.client.Do(req)
	if err != nil {
		metrics.ObserveUpstreamRequest(host, 0)
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	metrics.ObserveUpstreamRequest(host, resp.StatusCode)
	return resp, nil
}

func (w *Worker) consume(ctx context.Context, task Task, resp *http.Response) (attemptResult, error) {
	source := resp.Request.URL.String()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := parseRetryAfter(resp.Header.Get("Retry-After"), w.cfg.DefaultRetryAfter, w.clock.Now())
		w.governor.Reset()
		w.logger.Warn("rate limited by upstream",
			zap.String("url", source),
			zap.Duration("retry_after", wait),
		)
		if err := w.pauser.Pause(ctx, wait); err != nil {
			return attemptResult{}, err
		}
		return attemptResult{}, &RateLimitedError{URL: source, RetryAfter: wait}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return attemptResult{}, &StatusError{URL: source, Code: resp.StatusCode}
	}

	tracker := &readTracker{r: resp.Body}
	digest := sha256.Wrap(tracker)
	n, err := w.store.WriteFile(ctx, task.Destination, digest)
	if err != nil {
		switch {
		case tracker.err != nil:
			return attemptResult{}, fmt.Errorf("%w: reading body: %w", ErrTransient, tracker.err)
		case ctx.Err() != nil:
			return attemptResult{}, ctx.Err()
		default:
			return attemptResult{}, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}
	return attemptResult{bytes: n, sha256: digest.Sum()}, nil
}

// trace logs request-level detail. Tasks flagged for debugging log at info.
func (w *Worker) trace(task Task, msg string, fields ...zap.Field) {
	fields = append(fields, zap.String("description", task.Description))
	if task.Debug {
		w.logger.Info(msg, fields...)
		return
	}
	w.logger.Debug(msg, fields...)
}

func isRedirect(code int) bool {
	return code >= 300 && code <= 399 && code != http.StatusNotModified
}

func drainAndClose(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, maxRedirectBodyDiscard)
	_ = resp.Body.Close()
}

// parseRetryAfter reads delay-seconds or an HTTP date, falling back to def.
func parseRetryAfter(value string, def time.Duration, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return def
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return def
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return def
}

// readTracker remembers the first non-EOF read error so a failed write can be
// attributed to the network rather than the filesystem.
type readTracker struct {
	r   io.Reader
	err error
}

func (t *readTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && t.err == nil {
		t.err = err
	}
	return n, err
}
