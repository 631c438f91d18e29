package downloader

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearswick/dumpany/internal/filing"
	"github.com/pearswick/dumpany/internal/hash/sha256"
	"github.com/pearswick/dumpany/internal/storage/local"
)

const pdfBody = "%PDF-1.4 test document"

type fakeGovernor struct {
	admits atomic.Int32
	resets atomic.Int32
}

func (g *fakeGovernor) Admit(ctx context.Context) error {
	g.admits.Add(1)
	return ctx.Err()
}

func (g *fakeGovernor) Reset() { g.resets.Add(1) }

type fakeThrottle struct {
	mu    sync.Mutex
	hosts []string
}

func (t *fakeThrottle) WaitFor(_ context.Context, host string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hosts = append(t.hosts, host)
	return nil
}

type recordingPauser struct {
	mu     sync.Mutex
	pauses []time.Duration
}

func (p *recordingPauser) Pause(ctx context.Context, d time.Duration) error {
	p.mu.Lock()
	p.pauses = append(p.pauses, d)
	p.mu.Unlock()
	return ctx.Err()
}

func (p *recordingPauser) recorded() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration(nil), p.pauses...)
}

type resolverFunc func(ctx context.Context, link string) (filing.Metadata, error)

func (f resolverFunc) DocumentMetadata(ctx context.Context, link string) (filing.Metadata, error) {
	return f(ctx, link)
}

type failingStore struct{}

func (failingStore) Exists(string) (bool, error) { return false, nil }

func (failingStore) WriteFile(_ context.Context, _ string, data io.Reader) (int64, error) {
	n, _ := io.Copy(io.Discard, data)
	return n, errors.New("disk full")
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type harness struct {
	worker   *Worker
	governor *fakeGovernor
	throttle *fakeThrottle
	pauser   *recordingPauser
	clock    clock.FakeClock
	dir      string
}

func newHarness(t *testing.T, client *http.Client, resolver Resolver, store Store) *harness {
	t.Helper()
	dir := t.TempDir()
	if store == nil {
		s, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		store = s
	}
	h := &harness{
		governor: &fakeGovernor{},
		throttle: &fakeThrottle{},
		pauser:   &recordingPauser{},
		clock:    clock.NewFake(),
		dir:      dir,
	}
	h.worker = New(Config{APIKey: "secret"}, client, h.governor, h.throttle, resolver, store, h.pauser, h.clock, nil)
	return h
}

func (h *harness) read(t *testing.T, key string) string {
	t.Helper()
	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(filepath.Join(h.dir, filepath.FromSlash(key)))
	require.NoError(t, err)
	return string(data)
}

func TestDownloadSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "secret", user)
		assert.Empty(t, pass)
		assert.Equal(t, "application/pdf", r.Header.Get("Accept"))
		_, _ = io.WriteString(w, pdfBody)
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client(), nil, nil)
	task := Task{DocumentURL: srv.URL + "/document/1/content", Destination: "ACME/doc.pdf", Description: "accounts"}
	out := h.worker.Download(context.Background(), task)

	require.True(t, out.Success, "unexpected failure: %v", out.Err)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, int64(len(pdfBody)), out.Bytes)
	assert.Equal(t, sha256.Hash([]byte(pdfBody)), out.SHA256)
	assert.Empty(t, out.Reason)
	assert.Equal(t, pdfBody, h.read(t, "ACME/doc.pdf"))
	assert.Equal(t, int32(1), h.governor.admits.Load())
	assert.Empty(t, h.pauser.recorded())
}

func TestDownloadRedirectDropsCredentials(t *testing.T) {
	var storageHits atomic.Int32
	storage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		storageHits.Add(1)
		assert.Empty(t, r.Header.Get("Authorization"), "credentials must not follow the redirect")
		assert.Empty(t, r.Header.Get("User-Agent"))
		assert.Equal(t, "application/pdf", r.Header.Get("Accept"))
		_, _ = io.WriteString(w, pdfBody)
	}))
	defer storage.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		http.Redirect(w, r, storage.URL+"/bucket/doc.pdf?sig=abc", http.StatusFound)
	}))
	defer api.Close()

	h := newHarness(t, api.Client(), nil, nil)
	out := h.worker.Download(context.Background(), Task{DocumentURL: api.URL + "/document/1/content", Destination: "ACME/doc.pdf"})

	require.True(t, out.Success, "unexpected failure: %v", out.Err)
	assert.Equal(t, int32(1), storageHits.Load())
	assert.Equal(t, pdfBody, h.read(t, "ACME/doc.pdf"))
	assert.Equal(t, int32(1), h.governor.admits.Load(), "redirect hop is not charged to the global budget")

	h.throttle.mu.Lock()
	defer h.throttle.mu.Unlock()
	assert.Equal(t, []string{api.Listener.Addr().String(), storage.Listener.Addr().String()}, h.throttle.hosts)
}

func TestDownloadRelativeRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/document/1/content" {
			w.Header().Set("Location", "/files/1.pdf")
			w.WriteHeader(http.StatusFound)
			return
		}
		assert.Equal(t, "/files/1.pdf", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, pdfBody)
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client(), nil, nil)
	out := h.worker.Download(context.Background(), Task{DocumentURL: srv.URL + "/document/1/content", Destination: "doc.pdf"})
	require.True(t, out.Success, "unexpected failure: %v", out.Err)
	assert.Equal(t, pdfBody, h.read(t, "doc.pdf"))
}

func TestDownloadRetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client(), nil, nil)
	out := h.worker.Download(context.Background(), Task{DocumentURL: srv.URL + "/doc", Destination: "doc.pdf", Description: "accounts"})

	assert.False(t, out.Success)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, ReasonExhausted, out.Reason)
	assert.Equal(t, ReasonStatus, out.Cause)
	assert.ErrorIs(t, out.Err, ErrRetriesExhausted)

	var statusErr *StatusError
	require.ErrorAs(t, out.Err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)

	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.pauser.recorded())
	assert.NoFileExists(t, filepath.Join(h.dir, "doc.pdf"))
}

func TestDownloadHonorsRetryAfter(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, pdfBody)
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client(), nil, nil)
	out := h.worker.Download(context.Background(), Task{DocumentURL: srv.URL + "/doc", Destination: "doc.pdf"})

	require.True(t, out.Success, "unexpected failure: %v", out.Err)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, int32(1), h.governor.resets.Load())
	assert.Equal(t, []time.Duration{5 * time.Second, 2 * time.Second}, h.pauser.recorded())
}

func TestDownloadRetryAfterDateUsesClock(t *testing.T) {
	var (
		hits    atomic.Int32
		retryAt string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", retryAt)
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, pdfBody)
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client(), nil, nil)
	h.clock.Set(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	retryAt = h.clock.Now().Add(90 * time.Second).Format(http.TimeFormat)

	out := h.worker.Download(context.Background(), Task{DocumentURL: srv.URL + "/doc", Destination: "doc.pdf"})

	require.True(t, out.Success, "unexpected failure: %v", out.Err)
	assert.Equal(t, []time.Duration{90 * time.Second, 2 * time.Second}, h.pauser.recorded())
}

func TestDownloadRateLimitedWithoutRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client(), nil, nil)
	h.worker.cfg.MaxAttempts = 1
	out := h.worker.Download(context.Background(), Task{DocumentURL: srv.URL + "/doc", Destination: "doc.pdf"})

	assert.False(t, out.Success)
	assert.Equal(t, ReasonRateLimited, out.Cause)
	assert.ErrorIs(t, out.Err, ErrRateLimited)
	var rl *RateLimitedError
	require.ErrorAs(t, out.Err, &rl)
	assert.Equal(t, 300*time.Second, rl.RetryAfter)
	assert.Equal(t, []time.Duration{300 * time.Second}, h.pauser.recorded())
}

func TestDownloadDeferredResolution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, pdfBody)
	}))
	defer srv.Close()

	var calls atomic.Int32
	resolver := resolverFunc(func(_ context.Context, link string) (filing.Metadata, error) {
		assert.Equal(t, "https://registry.example/document/9", link)
		if calls.Add(1) == 1 {
			return filing.Metadata{}, errors.New("metadata unavailable")
		}
		return filing.Metadata{DocumentLink: srv.URL + "/document/9/content"}, nil
	})

	h := newHarness(t, srv.Client(), resolver, nil)
	out := h.worker.Download(context.Background(), Task{MetadataURL: "https://registry.example/document/9", Destination: "doc.pdf"})

	require.True(t, out.Success, "unexpected failure: %v", out.Err)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), h.governor.admits.Load())
}

func TestDownloadDeferredTaskMovesToCreatedDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, pdfBody)
	}))
	defer srv.Close()

	resolver := resolverFunc(func(context.Context, string) (filing.Metadata, error) {
		return filing.Metadata{CreatedAt: "2020-02-03T10:00:00Z", DocumentLink: srv.URL + "/document/9/content"}, nil
	})
	h := newHarness(t, srv.Client(), resolver, nil)
	out := h.worker.Download(context.Background(), Task{
		MetadataURL: "https://registry.example/document/9",
		Destination: "ACME/2020-01-01_ACME_accounts.pdf",
		Description: "accounts",
		Naming:      &Naming{CompanyDir: "ACME", FilingDate: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
	})

	require.True(t, out.Success, "unexpected failure: %v", out.Err)
	assert.False(t, out.Skipped)
	assert.Equal(t, "ACME/2020-02-03_ACME_accounts.pdf", out.Task.Destination)
	assert.Equal(t, srv.URL+"/document/9/content", out.Task.DocumentURL)
	assert.Equal(t, pdfBody, h.read(t, "ACME/2020-02-03_ACME_accounts.pdf"))
	assert.NoFileExists(t, filepath.Join(h.dir, "ACME", "2020-01-01_ACME_accounts.pdf"))
}

func TestDownloadDeferredTaskSkipsExistingDocument(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, pdfBody)
	}))
	defer srv.Close()

	resolver := resolverFunc(func(context.Context, string) (filing.Metadata, error) {
		return filing.Metadata{CreatedAt: "2020-02-03T10:00:00Z", DocumentLink: srv.URL + "/document/9/content"}, nil
	})
	h := newHarness(t, srv.Client(), resolver, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(h.dir, "ACME"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "ACME", "2020-02-03_ACME_accounts.pdf"), []byte("existing"), 0o600))

	out := h.worker.Download(context.Background(), Task{
		MetadataURL: "https://registry.example/document/9",
		Destination: "ACME/2020-01-01_ACME_accounts.pdf",
		Description: "accounts",
		Naming:      &Naming{CompanyDir: "ACME", FilingDate: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
	})

	require.True(t, out.Success, "unexpected failure: %v", out.Err)
	assert.True(t, out.Skipped)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "ACME/2020-02-03_ACME_accounts.pdf", out.Task.Destination)
	assert.Equal(t, int32(0), hits.Load())
	assert.Equal(t, int32(0), h.governor.admits.Load())
	assert.Equal(t, "existing", h.read(t, "ACME/2020-02-03_ACME_accounts.pdf"))
	assert.NoFileExists(t, filepath.Join(h.dir, "ACME", "2020-01-01_ACME_accounts.pdf"))
}

func TestDownloadResolutionWithoutDocumentLink(t *testing.T) {
	resolver := resolverFunc(func(context.Context, string) (filing.Metadata, error) {
		return filing.Metadata{CreatedAt: "2020-01-01T00:00:00Z"}, nil
	})
	h := newHarness(t, http.DefaultClient, resolver, nil)
	out := h.worker.Download(context.Background(), Task{MetadataURL: "https://registry.example/document/9", Destination: "doc.pdf"})

	assert.False(t, out.Success)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, ReasonExhausted, out.Reason)
	assert.Equal(t, ReasonResolution, out.Cause)
	assert.ErrorIs(t, out.Err, ErrResolution)
	assert.Equal(t, int32(0), h.governor.admits.Load())
}

func TestDownloadPersistenceFailureIsNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, pdfBody)
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client(), nil, failingStore{})
	out := h.worker.Download(context.Background(), Task{DocumentURL: srv.URL + "/doc", Destination: "doc.pdf"})

	assert.False(t, out.Success)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, ReasonPersistence, out.Reason)
	assert.ErrorIs(t, out.Err, ErrPersistence)
	assert.Empty(t, h.pauser.recorded())
}

func TestDownloadBodyReadFailureIsTransient(t *testing.T) {
	var calls atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		body := io.NopCloser(strings.NewReader(pdfBody))
		if calls.Add(1) == 1 {
			body = io.NopCloser(io.MultiReader(strings.NewReader("%PDF"), errReader{}))
		}
		return &http.Response{StatusCode: http.StatusOK, Body: body, Header: http.Header{}, Request: r}, nil
	})}

	h := newHarness(t, client, nil, nil)
	out := h.worker.Download(context.Background(), Task{DocumentURL: "https://docs.example/doc", Destination: "doc.pdf"})

	require.True(t, out.Success, "unexpected failure: %v", out.Err)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, pdfBody, h.read(t, "doc.pdf"))
}

func TestDownloadRetriesClientTimeout(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_, _ = io.WriteString(w, pdfBody)
	}))
	defer srv.Close()

	client := srv.Client()
	client.Timeout = 100 * time.Millisecond
	h := newHarness(t, client, nil, nil)
	out := h.worker.Download(context.Background(), Task{DocumentURL: srv.URL + "/doc", Destination: "doc.pdf"})

	require.True(t, out.Success, "unexpected failure: %v", out.Err)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, []time.Duration{2 * time.Second}, h.pauser.recorded())
	assert.Equal(t, pdfBody, h.read(t, "doc.pdf"))
}

func TestDownloadRetriesRefusedConnection(t *testing.T) {
	var calls atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connect: connection refused")}
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(pdfBody)), Header: http.Header{}, Request: r}, nil
	})}

	h := newHarness(t, client, nil, nil)
	out := h.worker.Download(context.Background(), Task{DocumentURL: "https://docs.example/doc", Destination: "doc.pdf"})

	require.True(t, out.Success, "unexpected failure: %v", out.Err)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second}, h.pauser.recorded())
	assert.Equal(t, pdfBody, h.read(t, "doc.pdf"))
}

func TestDownloadCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := newHarness(t, http.DefaultClient, nil, nil)
	out := h.worker.Download(ctx, Task{DocumentURL: "https://docs.example/doc", Destination: "doc.pdf"})

	assert.False(t, out.Success)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, ReasonCanceled, out.Reason)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestDownloadExpiredTaskDeadline(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	h := newHarness(t, http.DefaultClient, nil, nil)
	out := h.worker.Download(ctx, Task{DocumentURL: "https://docs.example/doc", Destination: "doc.pdf"})

	assert.False(t, out.Success)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, ReasonCanceled, out.Reason)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	def := 300 * time.Second
	testCases := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", def},
		{"seconds", "5", 5 * time.Second},
		{"padded", " 12 ", 12 * time.Second},
		{"negative", "-3", def},
		{"http date", now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", def},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, parseRetryAfter(tc.value, def, now))
		})
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }
