package ftt

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// StreamVersion is the version written in every stream header.
const StreamVersion = 1

// MaxStreamDepth bounds how many levels below its root a streamed subtree
// may nest.
const MaxStreamDepth = 30

var (
	ErrStreamVersion   = errors.New("unsupported stream version")
	ErrStreamDimension = errors.New("stream dimension does not match tree")
	ErrStreamChildID   = errors.New("child index does not match slot")
	ErrStreamDepth     = errors.New("stream nests deeper than MaxStreamDepth")
	ErrStreamEmpty     = errors.New("child group has no live cell")
)

// StreamError reports a malformed stream. Record 0 is the header; cells are
// numbered from 1 in stream order.
type StreamError struct {
	Record int
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("ftt: stream record %d: %v", e.Record, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

type streamHeader struct {
	Version int    `cbor:"version"`
	Dim     int    `cbor:"dim"`
	Level   int    `cbor:"level"`
	Pos     Vector `cbor:"pos"`
}

type streamRecord struct {
	_       struct{} `cbor:",toarray"`
	Flags   Flags
	Payload cbor.RawMessage
}

var (
	streamEnc cbor.EncMode
	streamDec cbor.DecMode
)

func init() {
	var err error
	if streamEnc, err = (cbor.EncOptions{Sort: cbor.SortCanonical}).EncMode(); err != nil {
		panic(err)
	}
	if streamDec, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// Write serializes the subtree of root, stopping at maxDepth (unbounded when
// negative). Cells are written depth-first in child-index order; cells at
// the cutoff are written as leaves. With payload set each record carries the
// CBOR encoding of the cell payload.
func (t *Tree[T]) Write(w io.Writer, root CellID, maxDepth int, payload bool) error {
	enc := streamEnc.NewEncoder(w)
	hdr := streamHeader{Version: StreamVersion, Dim: int(t.dim), Level: t.Level(root), Pos: t.Pos(root)}
	if err := enc.Encode(hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return t.writeCell(enc, root, maxDepth, payload)
}

func (t *Tree[T]) writeCell(enc *cbor.Encoder, c CellID, maxDepth int, payload bool) error {
	nd := t.get(c)
	rec := streamRecord{Flags: nd.flags &^ (FlagDestroyed | FlagLeaf)}
	if nd.root != nil {
		rec.Flags &^= FlagID
	}
	cutoff := nd.children < 0 || (maxDepth >= 0 && t.Level(c) >= maxDepth)
	if cutoff {
		rec.Flags |= FlagLeaf
	}
	if payload {
		raw, err := streamEnc.Marshal(&nd.data)
		if err != nil {
			return fmt.Errorf("encode payload of %v: %w", c, err)
		}
		rec.Payload = raw
	}
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("write %v: %w", c, err)
	}
	if cutoff {
		return nil
	}
	for i, child := range t.allChildren(c) {
		if !t.Alive(child) {
			if err := enc.Encode(streamRecord{Flags: Flags(i) | FlagDestroyed | FlagLeaf}); err != nil {
				return fmt.Errorf("write destroyed slot %d of %v: %w", i, c, err)
			}
			continue
		}
		if err := t.writeCell(enc, child, maxDepth, payload); err != nil {
			return err
		}
	}
	return nil
}

type streamReader[T any] struct {
	t       *Tree[T]
	dec     *cbor.Decoder
	payload bool
	record  int
}

// Read rebuilds a tree written by Write as a new detached root. On a
// malformed stream it returns the partially built root, if any, together
// with a *StreamError.
func (t *Tree[T]) Read(r io.Reader, payload bool) (CellID, error) {
	sr := &streamReader[T]{t: t, dec: streamDec.NewDecoder(r), payload: payload}
	var hdr streamHeader
	if err := sr.dec.Decode(&hdr); err != nil {
		return NoCell, &StreamError{Record: 0, Err: err}
	}
	if hdr.Version != StreamVersion {
		return NoCell, &StreamError{Record: 0, Err: fmt.Errorf("%w: %d", ErrStreamVersion, hdr.Version)}
	}
	if hdr.Dim != int(t.dim) {
		return NoCell, &StreamError{Record: 0, Err: fmt.Errorf("%w: %d", ErrStreamDimension, hdr.Dim)}
	}

	root := t.NewRoot(nil)
	rn := t.nodes[root.slot]
	rn.root.pos = hdr.Pos
	rn.root.level = hdr.Level
	err := sr.readCell(root, 0, 0)
	t.relinkSubtree(root)
	return root, err
}

func (sr *streamReader[T]) next(want int) (streamRecord, error) {
	sr.record++
	var rec streamRecord
	if err := sr.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return rec, &StreamError{Record: sr.record, Err: err}
	}
	if got := int(rec.Flags & FlagID); got != want {
		return rec, &StreamError{Record: sr.record, Err: fmt.Errorf("%w: got %d, want %d", ErrStreamChildID, got, want)}
	}
	return rec, nil
}

func (sr *streamReader[T]) readCell(c CellID, id, depth int) error {
	t := sr.t
	rec, err := sr.next(id)
	if err != nil {
		return err
	}
	nd := t.nodes[c.slot]
	if rec.Flags&FlagDestroyed != 0 {
		if nd.root != nil {
			return &StreamError{Record: sr.record, Err: fmt.Errorf("%w: root marked destroyed", ErrStaleCell)}
		}
		nd.flags |= FlagDestroyed
		t.live--
		return nil
	}
	nd.flags = nd.flags&FlagID | rec.Flags&^structuralFlags
	if sr.payload && len(rec.Payload) > 0 {
		if err := streamDec.Unmarshal(rec.Payload, &nd.data); err != nil {
			return &StreamError{Record: sr.record, Err: fmt.Errorf("decode payload: %w", err)}
		}
	}
	if rec.Flags&FlagLeaf != 0 {
		return nil
	}
	if depth >= MaxStreamDepth {
		return &StreamError{Record: sr.record, Err: ErrStreamDepth}
	}

	t.newGroup(c, false, nil)
	record := sr.record
	live := false
	for i, child := range t.allChildren(c) {
		if err := sr.readCell(child, i, depth+1); err != nil {
			return err
		}
		live = live || t.Alive(child)
	}
	if !live {
		t.destroyGroup(t.nodes[c.slot].children, nil)
		return &StreamError{Record: record, Err: ErrStreamEmpty}
	}
	return nil
}

// relinkSubtree recomputes the neighbor caches of every non-leaf cell of
// root, shallowest level first.
func (t *Tree[T]) relinkSubtree(root CellID) {
	depth := t.Depth(root)
	for level := t.Level(root); level < depth; level++ {
		t.Traverse(root, PreOrder, TraverseLevel|TraverseNonLeafs, level, func(c CellID) {
			g := t.groups[t.nodes[c.slot].children]
			for d := 0; d < t.dim.Neighbors(); d++ {
				n := t.neighborNotCached(c, Direction(d))
				if !n.IsZero() && t.Level(n) != level {
					n = NoCell
				}
				g.neighbors[d] = n
			}
		})
	}
}
