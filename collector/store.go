// CLAUDE:SUMMARY SQLite storage of hit streams as offset-addressed chunks, plus the content-addressed stylesheet store.
package collector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/domrec/dbopen"
)

// Schema is applied by dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS hits (
	hit        TEXT PRIMARY KEY,
	session    TEXT NOT NULL,
	first_seen INTEGER NOT NULL,
	last_seen  INTEGER NOT NULL,
	final      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_hits_session ON hits(session, first_seen);

CREATE TABLE IF NOT EXISTS chunks (
	hit  TEXT NOT NULL REFERENCES hits(hit) ON DELETE CASCADE,
	pos  INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (hit, pos)
);

CREATE TABLE IF NOT EXISTS resources (
	hash       TEXT PRIMARY KEY,
	body       BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
`

// ErrSessionMismatch is returned when a hit is reported under two sessions.
var ErrSessionMismatch = errors.New("collector: hit belongs to another session")

// Chunk is one received byte range of a hit stream.
type Chunk struct {
	Session string
	Hit     string
	Offset  uint64
	Data    []byte
	Final   bool
}

// Gap is a missing byte range [From, To) of a hit stream.
type Gap struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// HitSummary describes one stored hit.
type HitSummary struct {
	Hit       string    `json:"hit"`
	Session   string    `json:"session"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	// Bytes is the length of the contiguous prefix received so far.
	Bytes  uint64 `json:"bytes"`
	Chunks int    `json:"chunks"`
	Gaps   []Gap  `json:"gaps,omitempty"`
	Final  bool   `json:"final"`
}

// Store persists hit streams.
type Store struct {
	DB *sql.DB
}

// Append stores a chunk. Resent ranges are idempotent: a chunk at an
// already stored offset only replaces it when it carries more bytes.
func (s *Store) Append(ctx context.Context, c Chunk, now time.Time) error {
	ms := now.UnixMilli()
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		var session string
		err := tx.QueryRowContext(ctx, `SELECT session FROM hits WHERE hit = ?`, c.Hit).Scan(&session)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO hits (hit, session, first_seen, last_seen, final) VALUES (?, ?, ?, ?, ?)`,
				c.Hit, c.Session, ms, ms, c.Final); err != nil {
				return fmt.Errorf("collector: insert hit: %w", err)
			}
		case err != nil:
			return fmt.Errorf("collector: lookup hit: %w", err)
		case session != c.Session:
			return ErrSessionMismatch
		default:
			if _, err := tx.ExecContext(ctx,
				`UPDATE hits SET last_seen = ?, final = MAX(final, ?) WHERE hit = ?`,
				ms, c.Final, c.Hit); err != nil {
				return fmt.Errorf("collector: touch hit: %w", err)
			}
		}
		if len(c.Data) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chunks (hit, pos, data) VALUES (?, ?, ?)
			ON CONFLICT (hit, pos) DO UPDATE SET data = excluded.data
			WHERE length(excluded.data) > length(chunks.data)`,
			c.Hit, int64(c.Offset), c.Data)
		if err != nil {
			return fmt.Errorf("collector: insert chunk: %w", err)
		}
		return nil
	})
}

type span struct {
	pos  uint64
	data []byte
}

func (s *Store) spans(ctx context.Context, hit string) ([]span, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT pos, data FROM chunks WHERE hit = ? ORDER BY pos`, hit)
	if err != nil {
		return nil, fmt.Errorf("collector: chunks: %w", err)
	}
	defer rows.Close()
	var out []span
	for rows.Next() {
		var sp span
		var pos int64
		if err := rows.Scan(&pos, &sp.data); err != nil {
			return nil, fmt.Errorf("collector: scan chunk: %w", err)
		}
		sp.pos = uint64(pos)
		out = append(out, sp)
	}
	return out, rows.Err()
}

// assemble returns the contiguous prefix of the stream and the holes
// between the received ranges. Overlapping ranges are merged.
func assemble(spans []span) ([]byte, []Gap) {
	sort.Slice(spans, func(i, j int) bool { return spans[i].pos < spans[j].pos })
	var (
		prefix []byte
		gaps   []Gap
		end    uint64
		broken bool
	)
	for _, sp := range spans {
		stop := sp.pos + uint64(len(sp.data))
		if sp.pos > end {
			gaps = append(gaps, Gap{From: end, To: sp.pos})
			broken = true
		}
		if stop <= end {
			continue
		}
		if !broken {
			prefix = append(prefix, sp.data[end-sp.pos:]...)
		}
		end = stop
	}
	return prefix, gaps
}

// Stream returns the contiguous bytes of a hit from offset zero.
func (s *Store) Stream(ctx context.Context, hit string) ([]byte, error) {
	spans, err := s.spans(ctx, hit)
	if err != nil {
		return nil, err
	}
	prefix, _ := assemble(spans)
	return prefix, nil
}

// Gaps returns the missing ranges of a hit.
func (s *Store) Gaps(ctx context.Context, hit string) ([]Gap, error) {
	spans, err := s.spans(ctx, hit)
	if err != nil {
		return nil, err
	}
	_, gaps := assemble(spans)
	return gaps, nil
}

// Hit returns the summary of one hit, or sql.ErrNoRows.
func (s *Store) Hit(ctx context.Context, hit string) (*HitSummary, error) {
	var h HitSummary
	var first, last int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT hit, session, first_seen, last_seen, final FROM hits WHERE hit = ?`, hit).
		Scan(&h.Hit, &h.Session, &first, &last, &h.Final)
	if err != nil {
		return nil, err
	}
	h.FirstSeen, h.LastSeen = time.UnixMilli(first).UTC(), time.UnixMilli(last).UTC()
	if err := s.fill(ctx, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Hits lists the hits of a session in arrival order, or the latest hits of
// every session when session is empty.
func (s *Store) Hits(ctx context.Context, session string, limit int) ([]HitSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT hit, session, first_seen, last_seen, final FROM hits WHERE session = ? ORDER BY first_seen, hit LIMIT ?`
	args := []any{session, limit}
	if session == "" {
		query = `SELECT hit, session, first_seen, last_seen, final FROM hits ORDER BY last_seen DESC, hit LIMIT ?`
		args = []any{limit}
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("collector: hits: %w", err)
	}
	var out []HitSummary
	for rows.Next() {
		var h HitSummary
		var first, last int64
		if err := rows.Scan(&h.Hit, &h.Session, &first, &last, &h.Final); err != nil {
			rows.Close()
			return nil, fmt.Errorf("collector: scan hit: %w", err)
		}
		h.FirstSeen, h.LastSeen = time.UnixMilli(first).UTC(), time.UnixMilli(last).UTC()
		out = append(out, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.fill(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) fill(ctx context.Context, h *HitSummary) error {
	spans, err := s.spans(ctx, h.Hit)
	if err != nil {
		return err
	}
	prefix, gaps := assemble(spans)
	h.Bytes, h.Chunks, h.Gaps = uint64(len(prefix)), len(spans), gaps
	return nil
}

// PutResource stores a stylesheet under its digest.
func (s *Store) PutResource(ctx context.Context, hash string, body []byte, now time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO resources (hash, body, created_at) VALUES (?, ?, ?)`,
		hash, body, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("collector: put resource: %w", err)
	}
	return nil
}

// Resource returns a stored stylesheet, or sql.ErrNoRows.
func (s *Store) Resource(ctx context.Context, hash string) ([]byte, error) {
	var body []byte
	err := s.DB.QueryRowContext(ctx, `SELECT body FROM resources WHERE hash = ?`, hash).Scan(&body)
	return body, err
}

// MissingResources returns the hashes not stored yet, in input order.
func (s *Store) MissingResources(ctx context.Context, hashes []string) ([]string, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	args := make([]any, len(hashes))
	for i, h := range hashes {
		args[i] = h
	}
	q := `SELECT hash FROM resources WHERE hash IN (?` + strings.Repeat(",?", len(hashes)-1) + `)`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("collector: check resources: %w", err)
	}
	defer rows.Close()
	have := make(map[string]bool, len(hashes))
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		have[h] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	missing := []string{}
	for _, h := range hashes {
		if !have[h] {
			missing = append(missing, h)
			have[h] = true
		}
	}
	return missing, nil
}
