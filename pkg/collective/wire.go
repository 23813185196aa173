// Package collective provides the TCP implementation of core.Collective for
// multi-process data-parallel training. One process hosts a hub (by
// convention rank 0, via Host); every worker in the world, the host
// included, holds a connection to it. A collective call sends one round
// frame and blocks until the hub has heard from all ranks and answered,
// which gives the package the same semantics as core.Local: no timeouts, a
// dead worker stalls everyone, and gather results are rank-major and
// identical on every rank.
package collective

// opKind names one collective operation on the wire.
type opKind string

const (
	opGatherFloats  opKind = "gather_floats"
	opGatherVectors opKind = "gather_vectors"
	opGatherStrings opKind = "gather_strings"
	opReduceMean    opKind = "reduce_mean"
	opBarrier       opKind = "barrier"
)

// Frame kinds. Workers send hello once and then only round frames; the hub
// answers hello with welcome and rounds with result or error.
const (
	kindHello   = "hello"
	kindWelcome = "welcome"
	kindRound   = "round"
	kindResult  = "result"
	kindError   = "error"
)

// frame is the single message shape exchanged with the hub, encoded as one
// JSON object per message. Kind selects which fields are meaningful; the
// payload fields mirror the Collective method set.
type frame struct {
	Kind string `json:"kind"`
	Rank int    `json:"rank,omitempty"`
	// World is set on welcome frames so workers learn the world size from
	// the hub rather than from their own configuration.
	World   int                `json:"world,omitempty"`
	Seq     uint64             `json:"seq,omitempty"`
	Op      opKind             `json:"op,omitempty"`
	Floats  []float64          `json:"floats,omitempty"`
	Vectors [][]float64        `json:"vectors,omitempty"`
	Strings []string           `json:"strings,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Message string             `json:"message,omitempty"`
}
