// Package record defines the wire types the recorder ships: snapshots, patch
// records, event records and diagnostics, wrapped in versioned batches. This
// is the contract the collector decodes.
package record

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/hazyhaar/domrec/dom"
)

// Version is the wire protocol version carried by every batch.
const Version = 1

// Type discriminates a Record.
type Type string

const (
	TypeSnapshot Type = "snapshot"
	TypePatch    Type = "patch"
	TypeEvent    Type = "event"
	TypeDiag     Type = "diag"
	TypeIdentity Type = "identity"
)

// Record is one entry of a hit's ordered record sequence.
type Record struct {
	Type     Type             `json:"type"`
	Time     int64            `json:"t"` // epoch milliseconds
	Snapshot *Snapshot        `json:"snapshot,omitempty"`
	Patch    *Patch           `json:"patch,omitempty"`
	Event    *Event           `json:"event,omitempty"`
	Diag     *Diagnostic      `json:"diag,omitempty"`
	Identity map[string]Value `json:"identity,omitempty"`
}

// Ready reports whether every value in the record is resolved.
func (r *Record) Ready() bool {
	switch {
	case r.Snapshot != nil:
		return r.Snapshot.Root.ready()
	case r.Patch != nil:
		return r.Patch.ready()
	case r.Event != nil:
		return r.Event.Value.Ready()
	}
	for _, v := range r.Identity {
		if !v.Ready() {
			return false
		}
	}
	return true
}

// Node is one serialized tree node.
type Node struct {
	Kind     dom.Kind `json:"k"`
	Tag      string   `json:"tag,omitempty"`
	Attrs    []Attr   `json:"a,omitempty"`
	Text     *Value   `json:"x,omitempty"`
	Children []*Node  `json:"c,omitempty"`
	Shadow   *Node    `json:"sh,omitempty"`
	// StyleRef is the content digest of the stylesheet this node carries.
	StyleRef string `json:"css,omitempty"`
}

// Attr is one serialized attribute.
type Attr struct {
	Name  string `json:"n"`
	Value Value  `json:"v"`
}

func (n *Node) ready() bool {
	if n == nil {
		return true
	}
	if n.Text != nil && !n.Text.Ready() {
		return false
	}
	for _, a := range n.Attrs {
		if !a.Value.Ready() {
			return false
		}
	}
	if !n.Shadow.ready() {
		return false
	}
	for _, c := range n.Children {
		if !c.ready() {
			return false
		}
	}
	return true
}

// Snapshot is the full structural record of the tree at hit start.
type Snapshot struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Root *Node  `json:"root"`
}

// Op is the kind of a patch record.
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
	OpText   Op = "text"
	OpAttr   Op = "attr"
	OpStyle  Op = "style"
	OpShadow Op = "shadow"
	OpDialog Op = "dialog"
)

// Patch is a single structural or content delta relative to the last known
// state. Target always addresses the node as it stands when the patches
// before this one have been applied.
type Patch struct {
	Op     Op      `json:"op"`
	Target dom.Ref `json:"ref"`
	// Children are the added subtrees, ascending by insertion index (add).
	Children []Child `json:"children,omitempty"`
	// Indices are the removed child positions, descending (remove).
	Indices []int  `json:"indices,omitempty"`
	Name    string `json:"name,omitempty"`
	Value   *Value `json:"value,omitempty"`
	// Removed marks an attribute deletion (attr).
	Removed  bool   `json:"removed,omitempty"`
	StyleRef string `json:"css,omitempty"`
	Shadow   *Node  `json:"shadow,omitempty"`
	Open     bool   `json:"open,omitempty"`
}

// Child is one added subtree and the index it is inserted at.
type Child struct {
	Index int   `json:"i"`
	Node  *Node `json:"node"`
}

func (p *Patch) ready() bool {
	if p.Value != nil && !p.Value.Ready() {
		return false
	}
	for _, c := range p.Children {
		if !c.Node.ready() {
			return false
		}
	}
	return p.Shadow.ready()
}

// EventKind classifies an event record.
type EventKind string

const (
	EventClick   EventKind = "click"
	EventInput   EventKind = "input"
	EventScroll  EventKind = "scroll"
	EventSubmit  EventKind = "submit"
	EventNetwork EventKind = "network"
	EventMoment  EventKind = "moment"
	EventCustom  EventKind = "custom"
)

// Event is a flat interaction, network or synthesized record.
type Event struct {
	Kind   EventKind `json:"kind"`
	Target dom.Ref   `json:"ref,omitempty"`
	Name   string    `json:"name,omitempty"`
	Value  Value     `json:"value"`
	Time   int64     `json:"t"`
}

// Diagnostic is an out-of-band failure report.
type Diagnostic struct {
	Code    string  `json:"code"`
	Message string  `json:"msg,omitempty"`
	Ref     dom.Ref `json:"ref,omitempty"`
}

// KeyEnvelope carries the session key wrapped for the collector.
type KeyEnvelope struct {
	Version int    `json:"version"`
	Sealed  string `json:"sealed"`
}

// Batch is the unit serialized onto a hit stream (one JSON line each).
type Batch struct {
	V       int           `json:"v"`
	Session string        `json:"session"`
	Hit     string        `json:"hit"`
	Seq     uint64        `json:"seq"`
	Keys    []KeyEnvelope `json:"keys,omitempty"`
	Records []Record      `json:"records"`
}

// MarshalBatch serialises a Batch to a single JSON line (newline included).
func MarshalBatch(b *Batch) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// UnmarshalBatch deserialises a Batch from JSON.
func UnmarshalBatch(data []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Size returns the serialized size of r in bytes.
func Size(r *Record) int {
	data, err := json.Marshal(r)
	if err != nil {
		return 0
	}
	return len(data)
}

// Round normalizes a number with a fixed 3-decimal rounding so identical
// values always serialize to identical bytes.
func Round(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "0"
	}
	r := math.Round(f*1000) / 1000
	if r == 0 {
		r = 0 // normalizes -0
	}
	return strconv.FormatFloat(r, 'f', -1, 64)
}
