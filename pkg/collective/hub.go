package collective

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/lightfold/difftune/pkg/errors"
	"github.com/lightfold/difftune/pkg/logging"
)

// Hub coordinates one world of workers. It accepts one connection per rank,
// collects the per-rank contributions of each round and answers every
// member with the combined result. The hub holds no training state; it only
// concatenates, averages and releases barriers.
type Hub struct {
	world    int
	listener net.Listener

	mu      sync.Mutex
	members map[int]*member
	rounds  map[uint64]*round
	closed  bool
}

// member is one registered rank. All frames to a member are written under
// the hub mutex, so the encoder needs no lock of its own.
type member struct {
	rank int
	conn net.Conn
	enc  *json.Encoder
}

// round accumulates contributions for one sequence number until every rank
// has entered it.
type round struct {
	op      opKind
	entries map[int]frame
}

// NewHub listens on addr and starts accepting workers. world is the number
// of ranks that must join before any round can complete. Use addr with port
// 0 to let the kernel pick a port; Addr reports the bound address.
func NewHub(addr string, world int) (*Hub, error) {
	if world < 1 {
		return nil, errors.Newf(errors.InvalidInput, "world size must be at least 1, got %d", world)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.CollectiveFailed, "cannot listen on "+addr)
	}
	h := &Hub{
		world:    world,
		listener: listener,
		members:  make(map[int]*member),
		rounds:   make(map[uint64]*round),
	}
	go h.acceptLoop()
	return h, nil
}

// Addr returns the address the hub is listening on.
func (h *Hub) Addr() string {
	return h.listener.Addr().String()
}

// Close shuts the hub down. Members see their connections drop, which
// surfaces as CollectiveFailed on any round still in flight.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	err := h.listener.Close()
	for _, m := range h.members {
		m.conn.Close()
	}
	return err
}

func (h *Hub) acceptLoop() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			return
		}
		go h.serveConn(conn)
	}
}

// serveConn runs the lifetime of one connection: handshake, then rounds
// until the peer disconnects. Registration failures reject only this
// connection; a read error after registration is a member death and fails
// the whole world.
func (h *Hub) serveConn(conn net.Conn) {
	dec := json.NewDecoder(conn)

	var hello frame
	if err := dec.Decode(&hello); err != nil || hello.Kind != kindHello {
		conn.Close()
		return
	}
	m, err := h.register(hello.Rank, conn)
	if err != nil {
		enc := json.NewEncoder(conn)
		enc.Encode(frame{Kind: kindError, Message: err.Error()})
		conn.Close()
		return
	}
	logging.GetLogger().Debug(context.Background(), "rank %d joined the world at %s", m.rank, h.Addr())

	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			h.memberLost(m, err)
			return
		}
		if f.Kind != kindRound {
			h.fail(fmt.Sprintf("rank %d sent a %s frame mid-world", m.rank, f.Kind))
			return
		}
		h.submit(m.rank, f)
	}
}

func (h *Hub) register(rank int, conn net.Conn) (*member, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New(errors.CollectiveFailed, "hub is closed")
	}
	if rank < 0 || rank >= h.world {
		return nil, errors.Newf(errors.CollectiveFailed, "rank %d outside world of %d", rank, h.world)
	}
	if _, taken := h.members[rank]; taken {
		return nil, errors.Newf(errors.CollectiveFailed, "rank %d already joined", rank)
	}
	m := &member{rank: rank, conn: conn, enc: json.NewEncoder(conn)}
	h.members[rank] = m
	m.enc.Encode(frame{Kind: kindWelcome, Rank: rank, World: h.world})
	return m, nil
}

// submit records one rank's contribution to a round and, once the round is
// full, broadcasts the combined result to every member.
func (h *Hub) submit(rank int, f frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	r, ok := h.rounds[f.Seq]
	if !ok {
		r = &round{op: f.Op, entries: make(map[int]frame)}
		h.rounds[f.Seq] = r
	}
	if r.op != f.Op {
		h.failLocked(fmt.Sprintf("rank %d entered %s while round %d is %s", rank, f.Op, f.Seq, r.op))
		return
	}
	if _, dup := r.entries[rank]; dup {
		h.failLocked(fmt.Sprintf("rank %d entered round %d twice", rank, f.Seq))
		return
	}
	r.entries[rank] = f
	if len(r.entries) < h.world {
		return
	}

	delete(h.rounds, f.Seq)
	result, err := combine(r.op, h.world, r.entries)
	if err != nil {
		h.failLocked(err.Error())
		return
	}
	result.Seq = f.Seq
	for _, m := range h.members {
		m.enc.Encode(result)
	}
}

// memberLost handles a registered member's connection dropping. A world
// missing a rank can never complete another round, so the remaining members
// are failed immediately instead of stalling forever.
func (h *Hub) memberLost(m *member, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	logging.GetLogger().Warn(context.Background(), "rank %d left the world: %v", m.rank, err)
	h.failLocked(fmt.Sprintf("rank %d left the world", m.rank))
}

func (h *Hub) fail(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failLocked(reason)
}

// failLocked broadcasts an error to every member and tears the hub down.
// Callers hold h.mu.
func (h *Hub) failLocked(reason string) {
	if h.closed {
		return
	}
	h.closed = true
	for _, m := range h.members {
		m.enc.Encode(frame{Kind: kindError, Message: reason})
		m.conn.Close()
	}
	h.listener.Close()
}

// combine folds a full round into its result frame. Gathers concatenate in
// rank order; reduce_mean averages values and insists on identical key sets
// across the world.
func combine(op opKind, world int, entries map[int]frame) (frame, error) {
	out := frame{Kind: kindResult, Op: op}
	switch op {
	case opGatherFloats:
		for rank := 0; rank < world; rank++ {
			out.Floats = append(out.Floats, entries[rank].Floats...)
		}
	case opGatherVectors:
		for rank := 0; rank < world; rank++ {
			out.Vectors = append(out.Vectors, entries[rank].Vectors...)
		}
	case opGatherStrings:
		for rank := 0; rank < world; rank++ {
			out.Strings = append(out.Strings, entries[rank].Strings...)
		}
	case opReduceMean:
		sums := make(map[string]float64, len(entries[0].Metrics))
		for k := range entries[0].Metrics {
			sums[k] = 0
		}
		for rank := 0; rank < world; rank++ {
			m := entries[rank].Metrics
			if len(m) != len(sums) {
				return frame{}, errors.Newf(errors.CollectiveFailed,
					"reduce_mean key sets differ between rank 0 and rank %d", rank)
			}
			for k, v := range m {
				if _, ok := sums[k]; !ok {
					return frame{}, errors.Newf(errors.CollectiveFailed,
						"reduce_mean key %q from rank %d is unknown to rank 0", k, rank)
				}
				sums[k] += v
			}
		}
		for k := range sums {
			sums[k] /= float64(world)
		}
		out.Metrics = sums
	case opBarrier:
		// Release with an empty result.
	default:
		return frame{}, errors.Newf(errors.CollectiveFailed, "unknown collective op %q", op)
	}
	return out, nil
}
