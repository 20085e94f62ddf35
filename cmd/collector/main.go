// CLAUDE:SUMMARY HTTP + MCP collector daemon storing recorder hit streams in SQLite.
// Command collector receives recorder sessions.
//
// Usage:
//
//	collector -keygen                         # print a new key pair
//	collector -addr :8090 -db data/collector.db -key collector.key
//	collector -mcp                            # serve the MCP tools on stdio
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/curve25519"

	"github.com/hazyhaar/domrec/collector"
	"github.com/hazyhaar/domrec/dbopen"
	"github.com/hazyhaar/domrec/internal/vault"
)

func main() {
	addr := flag.String("addr", ":8090", "HTTP listen address")
	dbPath := flag.String("db", "data/collector.db", "SQLite database path")
	keyPath := flag.String("key", "", "file holding the base64 collector private key")
	keygen := flag.Bool("keygen", false, "print a new collector key pair and exit")
	stdio := flag.Bool("mcp", false, "serve MCP tools on stdin/stdout instead of HTTP")
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

	if *keygen {
		if err := printKeyPair(); err != nil {
			logger.Error("collector: keygen", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *addr, *dbPath, *keyPath, *stdio); err != nil {
		logger.Error("collector: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, addr, dbPath, keyPath string, stdio bool) error {
	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll(), dbopen.WithSchema(collector.Schema))
	if err != nil {
		return err
	}
	defer db.Close()

	var dec *collector.Decoder
	if keyPath != "" {
		pub, priv, err := loadKey(keyPath)
		if err != nil {
			return err
		}
		dec = collector.NewDecoder(pub, priv)
		logger.Info("collector: decryption enabled", "public_key", base64.StdEncoding.EncodeToString(pub[:]))
	} else {
		logger.Warn("collector: no private key, encrypted values stay sealed")
	}

	srv := collector.New(collector.Config{}, &collector.Store{DB: db}, dec, collector.WithLogger(logger))

	if stdio {
		m := mcp.NewServer(&mcp.Implementation{Name: "domrec-collector", Version: "0.1.0"}, nil)
		srv.RegisterMCP(m)
		return m.Run(ctx, &mcp.StdioTransport{})
	}

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("collector: listening", "addr", addr, "db", dbPath)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("collector: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func loadKey(path string) (pub, priv *[32]byte, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read key: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, nil, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != 32 {
		return nil, nil, fmt.Errorf("key is %d bytes, want 32", len(raw))
	}
	pubRaw, err := curve25519.X25519(raw, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive public key: %w", err)
	}
	priv, pub = new([32]byte), new([32]byte)
	copy(priv[:], raw)
	copy(pub[:], pubRaw)
	return pub, priv, nil
}

func printKeyPair() error {
	pub, priv, err := vault.GenerateCollectorKey()
	if err != nil {
		return err
	}
	fmt.Printf("public:  %s\nprivate: %s\n",
		base64.StdEncoding.EncodeToString(pub[:]),
		base64.StdEncoding.EncodeToString(priv[:]))
	return nil
}
