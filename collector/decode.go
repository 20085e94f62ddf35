package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/domrec/dom/htmldoc"
	"github.com/hazyhaar/domrec/internal/encoder"
	"github.com/hazyhaar/domrec/internal/vault"
	"github.com/hazyhaar/domrec/record"
)

// ErrNoSnapshot is returned when a hit stream has no snapshot to replay from.
var ErrNoSnapshot = errors.New("collector: hit has no snapshot")

// Decoder turns stored hit streams back into records, opening encrypted
// values with the collector key pair.
type Decoder struct {
	pub, priv *[32]byte
}

// NewDecoder returns a decoder. A nil key pair leaves tokens sealed.
func NewDecoder(pub, priv *[32]byte) *Decoder {
	return &Decoder{pub: pub, priv: priv}
}

// Decoded is one hit stream parsed into batches.
type Decoded struct {
	Hit     string          `json:"hit"`
	Batches []*record.Batch `json:"batches"`
	// Sealed counts tokens that could not be opened.
	Sealed int `json:"sealed"`
	// Partial is set when the stream ends inside a batch line.
	Partial bool `json:"partial,omitempty"`
}

// Records flattens the batches.
func (d *Decoded) Records() []record.Record {
	var out []record.Record
	for _, b := range d.Batches {
		out = append(out, b.Records...)
	}
	return out
}

// Session decodes every hit of a session in arrival order. Session keys are
// shipped once per session, so the keyring is shared across its hits.
func (d *Decoder) Session(ctx context.Context, s *Store, session string) ([]*Decoded, error) {
	hits, err := s.Hits(ctx, session, 10_000)
	if err != nil {
		return nil, err
	}
	kr := vault.NewKeyring()
	out := make([]*Decoded, 0, len(hits))
	for _, h := range hits {
		stream, err := s.Stream(ctx, h.Hit)
		if err != nil {
			return nil, err
		}
		dec, err := d.decode(kr, stream)
		if err != nil {
			return nil, fmt.Errorf("collector: hit %s: %w", h.Hit, err)
		}
		dec.Hit = h.Hit
		out = append(out, dec)
	}
	return out, nil
}

// Decode parses a single stream.
func (d *Decoder) Decode(stream []byte) (*Decoded, error) {
	return d.decode(vault.NewKeyring(), stream)
}

func (d *Decoder) decode(kr *vault.Keyring, stream []byte) (*Decoded, error) {
	out := &Decoded{}
	for len(stream) > 0 {
		i := bytes.IndexByte(stream, '\n')
		if i < 0 {
			out.Partial = true
			break
		}
		line := stream[:i]
		stream = stream[i+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		b, err := record.UnmarshalBatch(line)
		if err != nil {
			return nil, fmt.Errorf("collector: batch %d: %w", len(out.Batches), err)
		}
		if b.V != record.Version {
			return nil, fmt.Errorf("collector: batch %d: unsupported version %d", len(out.Batches), b.V)
		}
		if d.priv != nil {
			for _, env := range b.Keys {
				if err := kr.Unseal(env, d.pub, d.priv); err != nil {
					return nil, err
				}
			}
		}
		o := opener{kr: kr}
		for i := range b.Records {
			o.record(&b.Records[i])
		}
		out.Sealed += o.sealed
		out.Batches = append(out.Batches, b)
	}
	return out, nil
}

// Replay rebuilds the last state of a decoded hit: the latest snapshot and
// the patches after it.
func Replay(d *Decoded) (*htmldoc.Document, error) {
	recs := d.Records()
	start := -1
	for i, r := range recs {
		if r.Snapshot != nil {
			start = i
		}
	}
	if start < 0 {
		return nil, ErrNoSnapshot
	}
	return encoder.Replay(recs[start].Snapshot, recs[start+1:])
}

type opener struct {
	kr     *vault.Keyring
	sealed int
}

func (o *opener) value(v *record.Value) {
	s := v.String()
	if !vault.IsToken(s) {
		return
	}
	pt, err := o.kr.Decrypt(s)
	if err != nil {
		o.sealed++
		return
	}
	*v = record.Plain(pt)
}

func (o *opener) node(n *record.Node) {
	if n == nil {
		return
	}
	if n.Text != nil {
		o.value(n.Text)
	}
	for i := range n.Attrs {
		o.value(&n.Attrs[i].Value)
	}
	o.node(n.Shadow)
	for _, c := range n.Children {
		o.node(c)
	}
}

func (o *opener) record(r *record.Record) {
	switch {
	case r.Snapshot != nil:
		o.node(r.Snapshot.Root)
	case r.Patch != nil:
		if r.Patch.Value != nil {
			o.value(r.Patch.Value)
		}
		for _, c := range r.Patch.Children {
			o.node(c.Node)
		}
		o.node(r.Patch.Shadow)
	case r.Event != nil:
		o.value(&r.Event.Value)
	}
	for k, v := range r.Identity {
		o.value(&v)
		r.Identity[k] = v
	}
}
