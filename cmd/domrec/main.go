// CLAUDE:SUMMARY CLI recording a live Chrome tab through CDP and shipping the session to a collector.
// Command domrec records a browser tab.
//
// Usage:
//
//	domrec -config domrec.yaml
//	domrec -config domrec.yaml -url https://shop.example/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hazyhaar/domrec"
	"github.com/hazyhaar/domrec/dom"
	"github.com/hazyhaar/domrec/dom/roddoc"
	"github.com/hazyhaar/domrec/internal/lifecycle"
	"github.com/hazyhaar/domrec/record"
)

func main() {
	configPath := flag.String("config", "", "path to domrec.yaml config file")
	pageURL := flag.String("url", "", "page to record (overrides browser.url)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: domrec -config <file> [-url <url>]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *pageURL); err != nil {
		logger.Error("domrec: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, pageURL string) error {
	cfg, err := domrec.LoadConfigFile(configPath)
	if err != nil {
		return err
	}
	if pageURL != "" {
		cfg.Browser.URL = pageURL
	}
	if cfg.Browser.URL == "" {
		return fmt.Errorf("no page url: set browser.url or -url")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	browser, err := roddoc.Launch(roddoc.BrowserConfig{
		Remote:   cfg.Browser.Remote,
		Headless: cfg.Browser.Headless,
		Stealth:  cfg.Browser.Stealth,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer browser.Close()

	page, err := browser.Open(ctx, cfg.Browser.URL)
	if err != nil {
		return err
	}

	mirror := roddoc.NewMirror(cfg.Browser.URL, logger)
	opts := []domrec.Option{domrec.WithLogger(logger)}
	if cfg.Browser.StatePath != "" {
		opts = append(opts, domrec.WithStore(lifecycle.FileStore{Path: cfg.Browser.StatePath}))
	}
	rec, err := domrec.New(*cfg, mirror.Document(), opts...)
	if err != nil {
		return err
	}

	// The mirror must hold the page before the recorder takes its first
	// snapshot.
	live, err := roddoc.Attach(ctx, page, mirror, hooks(rec, logger))
	if err != nil {
		return err
	}
	defer live.Close()

	if err := rec.Start(ctx); err != nil {
		return err
	}
	if err := rec.Sync(ctx); err != nil {
		return err
	}
	ids := rec.Session()
	logger.Info("domrec: recording", "url", cfg.Browser.URL, "session", ids.Session)

	<-ctx.Done()
	live.Close()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rec.Stop(stopCtx); err != nil {
		logger.Warn("domrec: stop", "error", err)
	}
	return nil
}

// hooks forwards page activity to the recorder. Errors only mean the
// recorder stopped.
func hooks(rec *domrec.Recorder, logger *slog.Logger) roddoc.Hooks {
	check := func(op string, err error) {
		if err != nil {
			logger.Debug("domrec: dropped", "op", op, "error", err)
		}
	}
	return roddoc.Hooks{
		Changes: func(changes []dom.Change) {
			check("observe", rec.Observe(changes...))
		},
		Event: func(ev roddoc.Event, target dom.Node) {
			if target == nil && ev.Ref != "" {
				logger.Debug("domrec: unresolved target", "type", ev.Type, "ref", ev.Ref)
				return
			}
			switch ev.Type {
			case "click":
				check("click", rec.Interact(domrec.Interaction{Kind: record.EventClick, Target: target}))
			case "input":
				check("input", rec.Interact(domrec.Interaction{Kind: record.EventInput, Target: target, Value: ev.Value}))
			case "submit":
				check("submit", rec.Interact(domrec.Interaction{Kind: record.EventSubmit, Target: target}))
			case "scroll":
				if _, err := strconv.Atoi(ev.Value); err == nil {
					check("scroll", rec.Interact(domrec.Interaction{Kind: record.EventScroll, Value: ev.Value}))
				}
			case "visibility":
				if ev.Value == "hidden" {
					check("suspend", rec.Suspend())
				} else {
					check("resume", rec.Resume())
				}
			case "nav":
				check("navigate", rec.Navigate(navKind(ev.Nav), ev.URL))
			case "cookie":
				check("cookie", rec.SetCookie(ev.Name, ev.Value))
			default:
				logger.Debug("domrec: unknown page event", "type", ev.Type)
			}
		},
		Network: func(x roddoc.Exchange) {
			check("network", rec.Network(domrec.XHR{
				URL:         x.URL,
				Method:      x.Method,
				Status:      x.Status,
				Request:     x.Request,
				Response:    x.Response,
				ContentType: x.ContentType,
			}))
		},
		Reload: func(url string) {
			check("reload", rec.Navigate(domrec.NavFull, url))
		},
	}
}

func navKind(s string) domrec.NavKind {
	switch s {
	case "push":
		return domrec.NavPush
	case "replace":
		return domrec.NavReplace
	case "pop":
		return domrec.NavPop
	case "hash":
		return domrec.NavHash
	}
	return domrec.NavFull
}
