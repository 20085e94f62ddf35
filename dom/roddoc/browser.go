package roddoc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// BrowserConfig selects the Chrome instance to record.
type BrowserConfig struct {
	// Remote is the DevTools WebSocket URL of a running Chrome. Empty
	// launches a local one.
	Remote   string
	Headless bool
	// Stealth opens pages with the go-rod/stealth evasions.
	Stealth bool
	Logger  *slog.Logger
}

// Browser is a connected Chrome.
type Browser struct {
	cfg  BrowserConfig
	rod  *rod.Browser
	lnch *launcher.Launcher
}

// Launch starts or connects to Chrome.
func Launch(cfg BrowserConfig) (*Browser, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Browser{cfg: cfg}
	wsURL := cfg.Remote
	if wsURL == "" {
		l := launcher.New().Headless(cfg.Headless).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("roddoc: launch: %w", err)
		}
		wsURL = u
		b.lnch = l
		cfg.Logger.Info("roddoc: launched local chrome", "url", wsURL, "headless", cfg.Headless)
	} else {
		cfg.Logger.Info("roddoc: connecting to remote", "url", wsURL)
	}

	b.rod = rod.New().ControlURL(wsURL)
	if err := b.rod.Connect(); err != nil {
		b.cleanup()
		return nil, fmt.Errorf("roddoc: connect: %w", err)
	}
	return b, nil
}

// Open creates a tab and navigates it to pageURL.
func (b *Browser) Open(ctx context.Context, pageURL string) (*rod.Page, error) {
	var page *rod.Page
	var err error
	if b.cfg.Stealth {
		page, err = stealth.Page(b.rod)
	} else {
		page, err = b.rod.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("roddoc: create tab: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("roddoc: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		b.cfg.Logger.Warn("roddoc: wait load timeout", "url", pageURL, "error", err)
	}
	return page, nil
}

// Close shuts the connection and any launched process.
func (b *Browser) Close() error {
	var err error
	if b.rod != nil {
		err = b.rod.Close()
	}
	b.cleanup()
	return err
}

func (b *Browser) cleanup() {
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
}
