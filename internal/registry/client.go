// Package registry talks to the Companies House public data API: company
// profiles, paginated filing history and document metadata.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pearswick/dumpany/internal/filing"
	"github.com/pearswick/dumpany/internal/metrics"
	"github.com/pearswick/dumpany/internal/ratelimit"
)

const (
	// DefaultBaseURL is the public data API root.
	DefaultBaseURL  = "https://api.company-information.service.gov.uk/"
	defaultPageSize = 100
	maxErrorBody    = 512
)

var (
	// ErrNotFound is returned when the registry has no such resource.
	ErrNotFound = errors.New("registry: not found")
	// ErrRateLimited is matched by a StatusError carrying HTTP 429.
	ErrRateLimited = errors.New("registry: rate limited")
	// ErrMissingAPIKey is returned by New when no key is configured.
	ErrMissingAPIKey = errors.New("registry: api key is required")
)

// StatusError reports a non-success response from the registry.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("registry: %s returned %d", e.URL, e.Code)
	}
	return fmt.Sprintf("registry: %s returned %d: %s", e.URL, e.Code, e.Body)
}

// Is lets callers match 404 and 429 responses against the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrRateLimited:
		return e.Code == http.StatusTooManyRequests
	}
	return false
}

// Governor is the process-wide request budget.
type Governor interface {
	Admit(ctx context.Context) error
	Reset()
}

// Throttle spaces requests to one host.
type Throttle interface {
	WaitFor(ctx context.Context, host string) error
}

// Config configures a Client.
type Config struct {
	BaseURL  string
	APIKey   string
	PageSize int
}

// Client is a rate-governed registry API client.
type Client struct {
	base     *url.URL
	apiKey   string
	pageSize int
	http     *http.Client
	governor Governor
	throttle Throttle
	logger   *zap.Logger
}

// NewHTTPClient returns an http.Client with the transport settings shared by
// every registry and document request.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// New builds a Client. governor and throttle are required.
func New(cfg Config, httpClient *http.Client, governor Governor, throttle Throttle, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if governor == nil || throttle == nil {
		return nil, errors.New("registry: governor and throttle are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("registry: invalid base url %q", cfg.BaseURL)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(30 * time.Second)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:     base,
		apiKey:   cfg.APIKey,
		pageSize: cfg.PageSize,
		http:     httpClient,
		governor: governor,
		throttle: throttle,
		logger:   logger,
	}, nil
}

type companyProfile struct {
	CompanyName   string `json:"company_name"`
	CompanyNumber string `json:"company_number"`
}

// Company fetches the company profile.
func (c *Client) Company(ctx context.Context, number string) (filing.Company, error) {
	var profile companyProfile
	if err := c.getJSON(ctx, c.resolve("company/"+url.PathEscape(number), nil), &profile); err != nil {
		return filing.Company{}, fmt.Errorf("company %s: %w", number, err)
	}
	company := filing.Company{Number: number, Name: profile.CompanyName}
	if profile.CompanyNumber != "" {
		company.Number = profile.CompanyNumber
	}
	return company, nil
}

type filingPage struct {
	Items      []filingItem `json:"items"`
	TotalCount int          `json:"total_count"`
}

type filingItem struct {
	TransactionID     string         `json:"transaction_id"`
	Date              string         `json:"date"`
	Category          string         `json:"category"`
	Description       string         `json:"description"`
	DescriptionValues map[string]any `json:"description_values"`
	Links             struct {
		DocumentMetadata string `json:"document_metadata"`
	} `json:"links"`
}

// FilingHistory pages through the full filing history in registry order.
func (c *Client) FilingHistory(ctx context.Context, number string) ([]filing.Reference, error) {
	var refs []filing.Reference
	path := "company/" + url.PathEscape(number) + "/filing-history"
	for start := 0; ; start += c.pageSize {
		query := url.Values{}
		query.Set("items_per_page", strconv.Itoa(c.pageSize))
		query.Set("start_index", strconv.Itoa(start))

		var page filingPage
		if err := c.getJSON(ctx, c.resolve(path, query), &page); err != nil {
			return nil, fmt.Errorf("filing history %s: %w", number, err)
		}
		for _, item := range page.Items {
			refs = append(refs, c.toReference(item))
		}
		if len(page.Items) < c.pageSize {
			break
		}
	}
	c.logger.Debug("filing history fetched", zap.String("company", number), zap.Int("filings", len(refs)))
	return refs, nil
}

func (c *Client) toReference(item filingItem) filing.Reference {
	ref := filing.Reference{
		TransactionID: item.TransactionID,
		Category:      item.Category,
		Description:   item.Description,
		MetadataLink:  item.Links.DocumentMetadata,
	}
	if d, err := time.Parse(filing.DateLayout, item.Date); err == nil {
		ref.Date = d
	} else {
		c.logger.Warn("filing has unparseable date",
			zap.String("transaction_id", item.TransactionID),
			zap.String("date", item.Date),
		)
	}
	if len(item.DescriptionValues) > 0 {
		ref.DescriptionValues = make(map[string]string, len(item.DescriptionValues))
		for k, v := range item.DescriptionValues {
			if s, ok := v.(string); ok {
				ref.DescriptionValues[k] = s
			}
		}
	}
	return ref
}

type documentMetadata struct {
	CreatedAt string `json:"created_at"`
	Links     struct {
		Document string `json:"document"`
	} `json:"links"`
}

// DocumentMetadata resolves a filing's metadata link.
func (c *Client) DocumentMetadata(ctx context.Context, link string) (filing.Metadata, error) {
	target, err := c.base.Parse(link)
	if err != nil {
		return filing.Metadata{}, fmt.Errorf("metadata link %q: %w", link, err)
	}
	var meta documentMetadata
	if err := c.getJSON(ctx, target.String(), &meta); err != nil {
		return filing.Metadata{}, fmt.Errorf("document metadata: %w", err)
	}
	return filing.Metadata{CreatedAt: meta.CreatedAt, DocumentLink: meta.Links.Document}, nil
}

func (c *Client) resolve(path string, query url.Values) string {
	u := c.base.ResolveReference(&url.URL{Path: path})
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) getJSON(ctx context.Context, target string, out any) error {
	host, err := ratelimit.HostOf(target)
	if err != nil {
		return err
	}
	if err := c.governor.Admit(ctx); err != nil {
		return err
	}
	if err := c.throttle.WaitFor(ctx, host); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("registry request", zap.String("url", target))
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveUpstreamRequest(host, 0)
		return fmt.Errorf("request %s: %w", target, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	metrics.ObserveUpstreamRequest(host, resp.StatusCode)
	c.logger.Debug("registry response", zap.String("url", target), zap.Int("status", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests {
			c.governor.Reset()
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{URL: target, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", target, err)
	}
	return nil
}
