package logging

import (
	"context"
	"os"
	"runtime/trace"
	"sync"
	"time"
)

// FlightRecorder keeps a bounded ring of recent runtime trace data so that a
// stalled collective or a slow epoch can be diagnosed after the fact. A
// training run leaves it on for its whole lifetime; Snapshot dumps the
// window around the moment something went wrong.
type FlightRecorder struct {
	mu       sync.Mutex
	recorder *trace.FlightRecorder
	config   trace.FlightRecorderConfig
	running  bool
}

// FlightRecorderOption configures the recorder's ring buffer.
type FlightRecorderOption func(*FlightRecorder)

// WithMinAge keeps at least d of trace history in the ring. The default of
// 10 seconds covers a handful of sampling batches at sim scale; real
// backends with minute-long epochs want more.
func WithMinAge(d time.Duration) FlightRecorderOption {
	return func(fr *FlightRecorder) { fr.config.MinAge = d }
}

// WithMaxBytes caps the ring's size in bytes, taking precedence over the
// age bound. Zero leaves the cap to the runtime.
func WithMaxBytes(n uint64) FlightRecorderOption {
	return func(fr *FlightRecorder) { fr.config.MaxBytes = n }
}

// NewFlightRecorder builds a recorder over runtime/trace's flight recorder
// (Go 1.25+). Recording costs about 1% CPU, cheap enough to keep on under a
// training loop.
func NewFlightRecorder(opts ...FlightRecorderOption) *FlightRecorder {
	fr := &FlightRecorder{
		config: trace.FlightRecorderConfig{MinAge: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(fr)
	}
	fr.recorder = trace.NewFlightRecorder(fr.config)
	return fr
}

// Start begins filling the ring. Starting an already running recorder is a
// no-op.
func (fr *FlightRecorder) Start() error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.running {
		return nil
	}
	if err := fr.recorder.Start(); err != nil {
		return err
	}
	fr.running = true
	return nil
}

// Stop ends recording and discards nothing already buffered.
func (fr *FlightRecorder) Stop() {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.running {
		fr.recorder.Stop()
		fr.running = false
	}
}

// Enabled reports whether the recorder is currently capturing.
func (fr *FlightRecorder) Enabled() bool {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.running && fr.recorder.Enabled()
}

// Snapshot writes the buffered trace window to filename. Snapshotting a
// stopped recorder does nothing; there is no window to dump.
func (fr *FlightRecorder) Snapshot(filename string) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if !fr.running {
		return nil
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fr.recorder.WriteTo(f)
	return err
}

// SnapshotOnError dumps the trace window when err is non-nil and passes err
// through, so it drops into a return statement:
//
//	batch, err := collector.CollectEpoch(ctx, epoch, step)
//	if err != nil {
//	    return fr.SnapshotOnError(err, "sample_epoch.trace")
//	}
func (fr *FlightRecorder) SnapshotOnError(err error, filename string) error {
	if err != nil {
		fr.Snapshot(filename)
	}
	return err
}

var (
	globalRecorder     *FlightRecorder
	globalRecorderOnce sync.Once
)

// InitGlobalFlightRecorder creates and starts the process-wide recorder.
// Only the first call takes effect.
func InitGlobalFlightRecorder(opts ...FlightRecorderOption) {
	globalRecorderOnce.Do(func() {
		globalRecorder = NewFlightRecorder(opts...)
		globalRecorder.Start()
	})
}

// GlobalFlightRecorder returns the process-wide recorder, nil until
// InitGlobalFlightRecorder has run.
func GlobalFlightRecorder() *FlightRecorder {
	return globalRecorder
}

// TraceRegion marks a code section in the trace timeline:
//
//	defer TraceRegion(ctx, "collect_epoch")()
func TraceRegion(ctx context.Context, name string) func() {
	return trace.StartRegion(ctx, name).End
}

// TraceTask opens a trace task spanning one high-level operation (a run, an
// epoch) and returns the context carrying it plus its end function.
func TraceTask(ctx context.Context, name string) (context.Context, func()) {
	ctx, task := trace.NewTask(ctx, name)
	return ctx, task.End
}

// TraceLog drops a point event into the trace timeline.
func TraceLog(ctx context.Context, category, message string) {
	trace.Log(ctx, category, message)
}
