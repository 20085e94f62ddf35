package snapshot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aymerick/douceur/parser"
	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/domrec/internal/guard"
)

// Normalize canonicalizes stylesheet text so equivalent sheets digest the
// same. Text that does not parse is only trimmed.
func Normalize(text string) string {
	sheet, err := parser.Parse(text)
	if err != nil {
		return strings.TrimSpace(text)
	}
	return sheet.String()
}

// StyleFetcher downloads external stylesheets. Concurrent requests for the
// same URL share one download; results are cached for the fetcher lifetime.
type StyleFetcher struct {
	client   *http.Client
	proxy    string
	maxBytes int64
	logger   *slog.Logger
	block    bool

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]string
}

// FetcherConfig configures a StyleFetcher.
type FetcherConfig struct {
	// ProxyURL is the same-origin proxy endpoint used for sheets hosted on
	// another origin. The sheet URL is passed as the "url" query parameter.
	ProxyURL string
	Timeout  time.Duration
	MaxBytes int64
	Client   *http.Client
	Logger   *slog.Logger
	// BlockPrivate refuses sheets hosted on loopback or private addresses.
	BlockPrivate bool
}

// NewStyleFetcher builds a fetcher.
func NewStyleFetcher(cfg FetcherConfig) *StyleFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 2 << 20
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StyleFetcher{
		client:   cfg.Client,
		proxy:    cfg.ProxyURL,
		maxBytes: cfg.MaxBytes,
		logger:   cfg.Logger,
		block:    cfg.BlockPrivate,
		cache:    make(map[string]string),
	}
}

// Fetch returns the body of href. pageURL decides whether href is
// cross-origin and must go through the proxy.
func (f *StyleFetcher) Fetch(ctx context.Context, pageURL, href string) (string, error) {
	f.mu.Lock()
	if text, ok := f.cache[href]; ok {
		f.mu.Unlock()
		return text, nil
	}
	f.mu.Unlock()

	v, err, _ := f.group.Do(href, func() (any, error) {
		text, err := f.get(ctx, f.target(pageURL, href))
		if err != nil {
			return "", err
		}
		f.mu.Lock()
		f.cache[href] = text
		f.mu.Unlock()
		return text, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (f *StyleFetcher) target(pageURL, href string) string {
	if f.proxy == "" || sameOrigin(pageURL, href) {
		return href
	}
	return f.proxy + "?url=" + url.QueryEscape(href)
}

func (f *StyleFetcher) get(ctx context.Context, target string) (string, error) {
	if f.block {
		if err := guard.CheckURL(target); err != nil {
			return "", fmt.Errorf("snapshot: stylesheet %s: %w", target, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("snapshot: stylesheet request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("snapshot: stylesheet fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("snapshot: stylesheet fetch: %s returned %d", target, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return "", fmt.Errorf("snapshot: stylesheet read: %w", err)
	}
	return string(body), nil
}

func sameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Scheme == ub.Scheme && ua.Host == ub.Host
}
