package trace

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/eigenmath/eheap/memutils"
	"github.com/eigenmath/eheap/session"
	"golang.org/x/exp/slog"
)

// Result summarizes a replay
type Result struct {
	Ops         int
	Runs        int
	AbortedRuns int
	// FailedAllocations counts allocations and resizes that ran out of memory
	FailedAllocations int
	Resets            int
}

// Replayer applies trace records to a session, remembering the offset behind every id
type Replayer struct {
	logger  *slog.Logger
	session *session.Session
	ids     map[string]int
	result  Result
}

func NewReplayer(logger *slog.Logger, s *session.Session) *Replayer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Replayer{
		logger:  logger,
		session: s,
		ids:     make(map[string]int),
	}
}

// Replay applies ops in order. Running out of memory outside of a run, or aborting a run, is
// counted and replay continues; any other failure stops the replay and is returned along with
// the result so far.
func (r *Replayer) Replay(ops []Op) (Result, error) {
	for index := 0; index < len(ops); {
		op := ops[index]

		if op.Kind != OpRun {
			r.result.Ops++
			err := r.apply(r.session, op)
			if err != nil && !errors.Is(err, memutils.OutOfMemoryError) {
				return r.result, err
			}
			index++
			continue
		}

		end := index + 1
		for end < len(ops) && ops[end].Kind != OpRun && ops[end].Kind != OpReset {
			end++
		}

		body := ops[index+1 : end]
		r.result.Runs++
		r.result.Ops += 1 + len(body)

		err := r.session.Run(func(s *session.Session) error {
			for _, op := range body {
				if err := r.apply(s, op); err != nil {
					return err
				}
			}
			return nil
		})
		if errors.Is(err, session.EvaluationAborted) {
			r.result.AbortedRuns++
			r.logger.LogAttrs(context.Background(), slog.LevelInfo, "Run aborted",
				slog.Int("Record", op.Record),
				slog.Any("error", err),
			)
		} else if err != nil {
			return r.result, err
		}

		index = end
	}

	return r.result, nil
}

func (r *Replayer) resolve(op Op) (int, error) {
	if op.Offset != nil {
		return *op.Offset, nil
	}

	offset, ok := r.ids[op.ID]
	if !ok {
		return session.NoAllocation, errors.Newf("unknown allocation id %q", op.ID)
	}
	return offset, nil
}

func (r *Replayer) bind(id string, offset int) {
	if id == "" {
		return
	}
	if offset == session.NoAllocation {
		delete(r.ids, id)
		return
	}
	r.ids[id] = offset
}

func (r *Replayer) apply(s *session.Session, op Op) error {
	var err error

	switch op.Kind {
	case OpAlloc, OpTemporary:
		var offset int
		offset, err = s.Alloc(op.Size)
		if err == nil {
			r.bind(op.ID, offset)
		}
	case OpPersistent:
		var offset int
		offset, err = s.AllocPersistent(op.Size)
		if err == nil {
			r.bind(op.ID, offset)
		}
	case OpFree:
		var offset int
		offset, err = r.resolve(op)
		if err == nil {
			err = s.Free(offset)
		}
		if err == nil && op.ID != "" {
			delete(r.ids, op.ID)
		}
	case OpResize:
		var offset int
		offset, err = r.resolve(op)
		if err == nil {
			offset, err = s.Resize(offset, op.Size)
		}
		if err == nil {
			r.bind(op.ID, offset)
		}
	case OpReset:
		r.result.Resets++
		err = s.Reset()
		if err == nil {
			r.ids = make(map[string]int)
		}
	case OpCheck:
		err = s.Validate()
	default:
		err = errors.Newf("op %q cannot be replayed", op.Kind)
	}

	if errors.Is(err, memutils.OutOfMemoryError) {
		r.result.FailedAllocations++
		r.logger.LogAttrs(context.Background(), slog.LevelDebug, "Out of memory",
			slog.Int("Record", op.Record),
			slog.String("Op", string(op.Kind)),
			slog.Int("Size", op.Size),
		)
	}

	return errors.Wrapf(err, "record %d (%s)", op.Record, op.Kind)
}
