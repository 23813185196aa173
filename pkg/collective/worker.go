package collective

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/lightfold/difftune/pkg/errors"
	"github.com/lightfold/difftune/pkg/logging"
)

// joinRetryWait is how long a worker waits between dial attempts while the
// hub is not up yet.
const joinRetryWait = 250 * time.Millisecond

// Worker is one rank's connection to the hub. It implements
// core.Collective: every method sends one round frame and blocks until the
// hub has combined the whole world's contributions. A Worker is not safe
// for concurrent collective calls; the trainer drives one call at a time,
// and the internal mutex only guards against accidental overlap.
type Worker struct {
	rank  int
	world int
	conn  net.Conn

	// hub is non-nil only on the hosting rank; closing the worker then
	// also tears the hub down.
	hub *Hub

	mu  sync.Mutex
	seq uint64
	enc *json.Encoder
	dec *json.Decoder
}

// Host starts a hub for a world of the given size at addr and joins it as
// rank 0. Closing the returned worker closes the hub, which ends the run
// for every other rank.
func Host(ctx context.Context, addr string, world int) (*Worker, error) {
	hub, err := NewHub(addr, world)
	if err != nil {
		return nil, err
	}
	w, err := dial(ctx, hub.Addr(), 0)
	if err != nil {
		hub.Close()
		return nil, err
	}
	w.hub = hub
	return w, nil
}

// Join connects to the hub at addr as the given rank. Dial failures are
// retried until the context ends, so workers may start before the hosting
// rank; a rejection from a live hub (duplicate rank, rank outside the
// world) is returned immediately.
func Join(ctx context.Context, addr string, rank int) (*Worker, error) {
	if rank < 0 {
		return nil, errors.Newf(errors.InvalidInput, "rank must not be negative, got %d", rank)
	}
	for {
		w, err := dial(ctx, addr, rank)
		if err == nil {
			return w, nil
		}
		if !retryable(err) {
			return nil, err
		}
		logging.GetLogger().Debug(ctx, "hub at %s not ready for rank %d, retrying: %v", addr, rank, err)
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.Canceled, "gave up joining hub at "+addr)
		case <-time.After(joinRetryWait):
		}
	}
}

// retryable reports whether a join attempt failed because the hub is not
// reachable yet, as opposed to the hub refusing the registration.
func retryable(err error) bool {
	return errors.CodeOf(err) == errors.Unknown
}

func dial(ctx context.Context, addr string, rank int) (*Worker, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	w := &Worker{
		rank: rank,
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}
	if err := w.enc.Encode(frame{Kind: kindHello, Rank: rank}); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, errors.CollectiveFailed, "cannot greet hub at "+addr)
	}
	var welcome frame
	if err := w.dec.Decode(&welcome); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, errors.CollectiveFailed, "hub at "+addr+" closed during handshake")
	}
	switch welcome.Kind {
	case kindWelcome:
		w.world = welcome.World
		return w, nil
	case kindError:
		conn.Close()
		return nil, errors.Newf(errors.CollectiveFailed, "hub rejected rank %d: %s", rank, welcome.Message)
	default:
		conn.Close()
		return nil, errors.Newf(errors.CollectiveFailed, "unexpected %s frame during handshake", welcome.Kind)
	}
}

// Close drops this rank's connection. On the hosting rank it also closes
// the hub.
func (w *Worker) Close() error {
	err := w.conn.Close()
	if w.hub != nil {
		if herr := w.hub.Close(); err == nil {
			err = herr
		}
	}
	return err
}

// Rank is this worker's index in [0, WorldSize).
func (w *Worker) Rank() int { return w.rank }

// WorldSize is the number of workers, as reported by the hub.
func (w *Worker) WorldSize() int { return w.world }

// GatherFloats returns the rank-major concatenation of every worker's
// values.
func (w *Worker) GatherFloats(ctx context.Context, values []float64) ([]float64, error) {
	resp, err := w.round(ctx, opGatherFloats, frame{Floats: values})
	if err != nil {
		return nil, err
	}
	return resp.Floats, nil
}

// GatherVectors returns the rank-major concatenation of every worker's
// rows.
func (w *Worker) GatherVectors(ctx context.Context, values [][]float64) ([][]float64, error) {
	resp, err := w.round(ctx, opGatherVectors, frame{Vectors: values})
	if err != nil {
		return nil, err
	}
	return resp.Vectors, nil
}

// GatherStrings returns the rank-major concatenation of every worker's
// values.
func (w *Worker) GatherStrings(ctx context.Context, values []string) ([]string, error) {
	resp, err := w.round(ctx, opGatherStrings, frame{Strings: values})
	if err != nil {
		return nil, err
	}
	return resp.Strings, nil
}

// ReduceMean averages each key's value across the world. The hub rejects
// the round if any rank's key set differs from rank 0's.
func (w *Worker) ReduceMean(ctx context.Context, values map[string]float64) (map[string]float64, error) {
	resp, err := w.round(ctx, opReduceMean, frame{Metrics: values})
	if err != nil {
		return nil, err
	}
	return resp.Metrics, nil
}

// Barrier blocks until every rank has arrived.
func (w *Worker) Barrier(ctx context.Context) error {
	_, err := w.round(ctx, opBarrier, frame{})
	return err
}

// round runs one collective operation: send the contribution, block until
// the hub answers. There is deliberately no timeout on the answer; a world
// waiting on a slow rank waits as long as it takes. Cancellation closes the
// connection, which fails the whole world rather than leaving it stalled on
// a rank that gave up.
func (w *Worker) round(ctx context.Context, op opKind, req frame) (frame, error) {
	if err := errors.CheckContext(ctx, "collective "+string(op)); err != nil {
		return frame{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	req.Kind = kindRound
	req.Rank = w.rank
	req.Seq = w.seq
	req.Op = op
	if err := w.enc.Encode(req); err != nil {
		return frame{}, errors.Wrap(err, errors.CollectiveFailed, "cannot send "+string(op)+" to hub")
	}

	type answer struct {
		f   frame
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		var f frame
		err := w.dec.Decode(&f)
		ch <- answer{f, err}
	}()

	select {
	case <-ctx.Done():
		w.conn.Close()
		<-ch
		return frame{}, errors.CheckContext(ctx, "collective "+string(op))
	case a := <-ch:
		if a.err != nil {
			return frame{}, errors.Wrap(a.err, errors.CollectiveFailed, "lost hub during "+string(op))
		}
		switch {
		case a.f.Kind == kindError:
			return frame{}, errors.New(errors.CollectiveFailed, "hub failed the world: "+a.f.Message)
		case a.f.Kind != kindResult || a.f.Seq != req.Seq || a.f.Op != op:
			return frame{}, errors.Newf(errors.CollectiveFailed,
				"hub answered out of order: want %s round %d, got %s round %d", op, req.Seq, a.f.Op, a.f.Seq)
		}
		return a.f, nil
	}
}
