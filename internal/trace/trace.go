// Package trace decodes allocation traces and replays them against a session.
//
// A trace is a stream of JSON objects, usually one per line:
//
//	{"op":"perm","id":"symtab","size":4096}
//	{"op":"run"}
//	{"op":"alloc","id":"ast","size":300}
//	{"op":"resize","id":"ast","size":600}
//	{"op":"free","id":"ast"}
//	{"op":"reset"}
//
// Allocations are named by id so that later records can refer to them; free and resize may use
// a raw "offset" instead. Every record after a "run" up to the next "run" or "reset" executes
// inside one Session.Run.
package trace

import (
	"io"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
)

type OpKind string

const (
	// OpAlloc allocates for the current evaluation
	OpAlloc OpKind = "alloc"
	// OpTemporary is an alias of OpAlloc
	OpTemporary OpKind = "tmp"
	// OpPersistent allocates memory that outlives the current evaluation
	OpPersistent OpKind = "perm"
	OpFree       OpKind = "free"
	OpResize     OpKind = "resize"
	// OpRun starts a new evaluation run
	OpRun OpKind = "run"
	// OpReset discards every allocation
	OpReset OpKind = "reset"
	// OpCheck runs a full consistency check of the arena
	OpCheck OpKind = "check"
)

var knownOps = map[OpKind]struct{}{
	OpAlloc:      {},
	OpTemporary:  {},
	OpPersistent: {},
	OpFree:       {},
	OpResize:     {},
	OpRun:        {},
	OpReset:      {},
	OpCheck:      {},
}

var config = jsoniter.Config{
	OnlyTaggedField: true,
	CaseSensitive:   true,
}.Froze()

// Op is one trace record
type Op struct {
	Kind   OpKind `json:"op"`
	ID     string `json:"id,omitempty"`
	Size   int    `json:"size,omitempty"`
	Offset *int   `json:"offset,omitempty"`

	// Record is the 1-based position of the op in its trace
	Record int `json:"-"`
}

func (o Op) validate() error {
	if _, ok := knownOps[o.Kind]; !ok {
		return errors.Newf("record %d: unknown op %q", o.Record, o.Kind)
	}

	switch o.Kind {
	case OpAlloc, OpTemporary, OpPersistent, OpResize:
		if o.Size < 0 {
			return errors.Newf("record %d: %s size must not be negative, got %d", o.Record, o.Kind, o.Size)
		}
	}

	switch o.Kind {
	case OpFree, OpResize:
		if o.ID == "" && o.Offset == nil {
			return errors.Newf("record %d: %s needs an id or an offset", o.Record, o.Kind)
		}
	}

	return nil
}

// Decode reads every record from r
func Decode(r io.Reader) ([]Op, error) {
	var ops []Op

	decoder := config.NewDecoder(r)
	for decoder.More() {
		op := Op{Record: len(ops) + 1}
		if err := decoder.Decode(&op); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, errors.Wrapf(err, "record %d is not valid json", op.Record)
		}

		if err := op.validate(); err != nil {
			return nil, err
		}

		ops = append(ops, op)
	}

	return ops, nil
}

// Encode writes ops to w, one record per line
func Encode(w io.Writer, ops []Op) error {
	stream := config.BorrowStream(w)
	defer config.ReturnStream(stream)

	for _, op := range ops {
		stream.WriteVal(op)
		stream.WriteRaw("\n")
		if stream.Error != nil {
			return errors.Wrapf(stream.Error, "cannot encode record %d", op.Record)
		}
	}

	return errors.Wrap(stream.Flush(), "cannot flush trace")
}
