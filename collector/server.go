// CLAUDE:SUMMARY chi routes receiving recorder chunks and stylesheets, and exposing hit summaries, gaps and replays.
// Package collector is the receiving side of the recorder wire protocol. It
// stores hit streams chunk by chunk keyed by (session, hit, offset), keeps the
// content-addressed stylesheets, and serves gap reports and replays over HTTP
// and MCP.
package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/domrec/internal/guard"
	"github.com/hazyhaar/domrec/internal/transport"
	"github.com/hazyhaar/domrec/internal/vault"
	"github.com/hazyhaar/domrec/kit"
)

// Config tunes a Server.
type Config struct {
	// MaxChunkBytes bounds an ingest body. Default 1 MiB.
	MaxChunkBytes int64
	// MaxResourceBytes bounds a stylesheet upload. Default 2 MiB.
	MaxResourceBytes int64
}

func (c *Config) defaults() {
	if c.MaxChunkBytes <= 0 {
		c.MaxChunkBytes = 1 << 20
	}
	if c.MaxResourceBytes <= 0 {
		c.MaxResourceBytes = 2 << 20
	}
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// Server holds the collector endpoints.
type Server struct {
	cfg    Config
	store  *Store
	dec    *Decoder
	logger *slog.Logger
	now    func() time.Time

	ingest kit.Endpoint
	check  kit.Endpoint
	hits   kit.Endpoint
	gaps   kit.Endpoint
	replay kit.Endpoint
}

// New builds a server over store. dec may be nil when no collector key is
// configured.
func New(cfg Config, store *Store, dec *Decoder, opts ...Option) *Server {
	cfg.defaults()
	s := &Server{cfg: cfg, store: store, dec: dec, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.dec == nil {
		s.dec = NewDecoder(nil, nil)
	}
	s.ingest = kit.Logging(s.logger, "ingest")(s.ingestEndpoint)
	s.check = kit.Logging(s.logger, "resources_check")(s.checkEndpoint)
	s.hits = kit.Logging(s.logger, "hits")(s.hitsEndpoint)
	s.gaps = kit.Logging(s.logger, "gaps")(s.gapsEndpoint)
	s.replay = kit.Logging(s.logger, "replay")(s.replayEndpoint)
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestContext)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/ingest", s.handleIngest)
		r.Post("/resources/check", s.handleCheck)
		r.Put("/resources/{hash}", s.handleUpload)
		r.Get("/resources/{hash}", s.handleResource)
		r.Get("/hits", s.handleHits)
		r.Get("/hits/{hit}/gaps", s.handleGaps)
		r.Get("/hits/{hit}/replay", s.handleReplay)
	})
	return r
}

func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithTransport(r.Context(), "http")
		ctx = kit.WithRequestID(ctx, middleware.GetReqID(ctx))
		ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// --- ingest ---

func (s *Server) ingestEndpoint(ctx context.Context, req any) (any, error) {
	c := req.(*Chunk)
	if err := s.store.Append(ctx, *c, s.now()); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	c := &Chunk{
		Session: r.Header.Get(transport.HeaderSession),
		Hit:     r.Header.Get(transport.HeaderHit),
		Final:   r.Header.Get(transport.HeaderFinal) == "1",
	}
	if c.Session == "" || c.Hit == "" {
		writeError(w, http.StatusBadRequest, "missing session or hit header")
		return
	}
	off, err := strconv.ParseUint(r.Header.Get(transport.HeaderOffset), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset header")
		return
	}
	c.Offset = off
	if c.Data, err = guard.ReadAll(r.Body, s.cfg.MaxChunkBytes); err != nil {
		writeBodyError(w, err)
		return
	}
	if _, err := s.ingest(r.Context(), c); err != nil {
		if errors.Is(err, ErrSessionMismatch) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- resources ---

func (s *Server) checkEndpoint(ctx context.Context, req any) (any, error) {
	missing, err := s.store.MissingResources(ctx, req.(*transport.CheckRequest).Hashes)
	if err != nil {
		return nil, err
	}
	return &transport.CheckResponse{Missing: missing}, nil
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req transport.CheckRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	resp, err := s.check(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "check failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	body, err := guard.ReadAll(r.Body, s.cfg.MaxResourceBytes)
	if err != nil {
		writeBodyError(w, err)
		return
	}
	if vault.Digest(string(body)) != hash {
		writeError(w, http.StatusBadRequest, "digest mismatch")
		return
	}
	if err := s.store.PutResource(r.Context(), hash, body, s.now()); err != nil {
		s.logger.Error("collector: put resource", "hash", hash, "error", err)
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	body, err := s.store.Resource(r.Context(), chi.URLParam(r, "hash"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "unknown resource")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	_, _ = w.Write(body)
}

// --- hits ---

type hitsRequest struct {
	Session string `json:"session,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (s *Server) hitsEndpoint(ctx context.Context, req any) (any, error) {
	rr := req.(*hitsRequest)
	hits, err := s.store.Hits(ctx, rr.Session, rr.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"hits": hits, "count": len(hits)}, nil
}

func (s *Server) handleHits(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	resp, err := s.hits(r.Context(), &hitsRequest{Session: r.URL.Query().Get("session"), Limit: limit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type hitRequest struct {
	Hit string `json:"hit"`
}

type gapsResponse struct {
	Hit   string `json:"hit"`
	Bytes uint64 `json:"bytes"`
	Gaps  []Gap  `json:"gaps"`
	Final bool   `json:"final"`
}

func (s *Server) gapsEndpoint(ctx context.Context, req any) (any, error) {
	h, err := s.store.Hit(ctx, req.(*hitRequest).Hit)
	if err != nil {
		return nil, err
	}
	gaps := h.Gaps
	if gaps == nil {
		gaps = []Gap{}
	}
	return &gapsResponse{Hit: h.Hit, Bytes: h.Bytes, Gaps: gaps, Final: h.Final}, nil
}

func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	resp, err := s.gaps(r.Context(), &hitRequest{Hit: chi.URLParam(r, "hit")})
	s.respond(w, resp, err)
}

type replayResponse struct {
	Hit    string `json:"hit"`
	HTML   string `json:"html"`
	Sealed int    `json:"sealed"`
}

func (s *Server) replayEndpoint(ctx context.Context, req any) (any, error) {
	hit := req.(*hitRequest).Hit
	if _, err := s.store.Hit(ctx, hit); err != nil {
		return nil, err
	}
	stream, err := s.store.Stream(ctx, hit)
	if err != nil {
		return nil, err
	}
	dec, err := s.dec.Decode(stream)
	if err != nil {
		return nil, err
	}
	doc, err := Replay(dec)
	if err != nil {
		return nil, err
	}
	return &replayResponse{Hit: hit, HTML: doc.Render(), Sealed: dec.Sealed}, nil
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	resp, err := s.replay(r.Context(), &hitRequest{Hit: chi.URLParam(r, "hit")})
	s.respond(w, resp, err)
}

func (s *Server) respond(w http.ResponseWriter, resp any, err error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, "unknown hit")
	case errors.Is(err, ErrNoSnapshot):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeBodyError(w http.ResponseWriter, err error) {
	if errors.Is(err, guard.ErrTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, "read body failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
