package collector_test

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/domrec"
	"github.com/hazyhaar/domrec/collector"
	"github.com/hazyhaar/domrec/dbopen"
	"github.com/hazyhaar/domrec/dom/htmldoc"
	"github.com/hazyhaar/domrec/internal/vault"
)

const page = `<!DOCTYPE html><html><head><title>Orders</title></head><body>
<p class="order">order 77</p>
<p class="secret">account 4242</p>
</body></html>`

func TestRecorderToCollector(t *testing.T) {
	pub, priv, err := vault.GenerateCollectorKey()
	if err != nil {
		t.Fatal(err)
	}
	store := &collector.Store{DB: dbopen.OpenMemory(t, dbopen.WithSchema(collector.Schema))}
	dec := collector.NewDecoder(pub, priv)
	ts := httptest.NewServer(collector.New(collector.Config{}, store, dec).Routes())
	defer ts.Close()

	var cfg domrec.Config
	cfg.Transport.Endpoints = []string{ts.URL + "/v1/ingest"}
	cfg.Transport.FlushInterval = time.Hour
	cfg.Crypto.CollectorKey = base64.StdEncoding.EncodeToString(pub[:])
	cfg.Redaction.Mask = []string{".secret"}
	cfg.Redaction.Encrypt = []string{".order"}

	doc, err := htmldoc.ParseString(page, "https://shop.test/orders")
	if err != nil {
		t.Fatal(err)
	}
	r, err := domrec.New(cfg, doc, domrec.WithHTTPClient(ts.Client()))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	session := r.Session().Session
	if _, err := r.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	hits, err := dec.Session(ctx, store, session)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
	if hits[0].Sealed != 0 {
		t.Errorf("sealed tokens = %d", hits[0].Sealed)
	}
	if b := hits[0].Batches; len(b) == 0 || len(b[0].Keys) == 0 {
		t.Fatalf("first batch carries no key envelope")
	}
	replayed, err := collector.Replay(hits[0])
	if err != nil {
		t.Fatal(err)
	}
	html := replayed.Render()
	if !strings.Contains(html, "order 77") {
		t.Errorf("encrypted text not recovered: %s", html)
	}
	if strings.Contains(html, "4242") {
		t.Errorf("masked text reached the collector: %s", html)
	}

	raw, err := store.Stream(ctx, hits[0].Hit)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "order 77") {
		t.Error("plaintext of an encrypted value on the wire")
	}
}
