// Package stats maintains rolling per-prompt reward baselines used to
// normalize rewards into advantages. One tracker lives for the whole training
// run; its state is per-worker and never persisted.
package stats

import (
	"math"
	"sort"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// epsilon keeps normalization finite when a reward group has zero spread.
const epsilon = 1e-8

// ringBuffer is a fixed-capacity FIFO over float64. Pushing past capacity
// evicts the oldest value.
type ringBuffer struct {
	data  []float64
	head  int // next write position
	count int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{data: make([]float64, capacity)}
}

func (r *ringBuffer) push(v float64) {
	r.data[r.head] = v
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

// values returns the buffered rewards oldest-first.
func (r *ringBuffer) values() []float64 {
	out := make([]float64, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += len(r.data)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.data[(start+i)%len(r.data)])
	}
	return out
}

func (r *ringBuffer) meanStd() (mean, std float64) {
	if r.count == 0 {
		return 0, 0
	}
	vals := r.values()
	return meanStd(vals)
}

// meanStd returns the mean and population standard deviation.
func meanStd(vals []float64) (mean, std float64) {
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	var sq float64
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(vals)))
}

// Tracker keeps one bounded reward history per distinct prompt. Update is
// called once per sampling epoch with the cross-worker union of rewards.
type Tracker struct {
	mu         sync.Mutex
	bufferSize int
	minCount   int
	stats      map[string]*ringBuffer
}

// NewTracker creates a tracker whose per-prompt histories hold bufferSize
// rewards and which falls back to batch-global normalization until a prompt
// has accumulated minCount observations.
func NewTracker(bufferSize, minCount int) *Tracker {
	return &Tracker{
		bufferSize: bufferSize,
		minCount:   minCount,
		stats:      make(map[string]*ringBuffer),
	}
}

// key canonicalizes prompt strings so that Unicode representation differences
// across workers do not split one prompt's history.
func key(prompt string) string {
	return norm.NFC.String(prompt)
}

// Update folds this epoch's rewards into the per-prompt histories and returns
// one advantage per input. Prompts whose history (including this call's
// contribution) is still below min_count are normalized against the whole
// call's mean/std; prompts at or past it are normalized against their own
// buffered history. Zero-length input is a no-op returning an empty slice.
// prompts and rewards must have equal length.
func (t *Tracker) Update(prompts []string, rewards []float64) []float64 {
	if len(prompts) != len(rewards) {
		panic("stats: prompts and rewards length mismatch")
	}
	if len(prompts) == 0 {
		return []float64{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Group reward indices by canonical prompt, preserving first-seen order.
	order := make([]string, 0, len(prompts))
	groups := make(map[string][]int, len(prompts))
	for i, p := range prompts {
		k := key(p)
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], i)
	}

	globalMean, globalStd := meanStd(rewards)

	advantages := make([]float64, len(rewards))
	for _, k := range order {
		buf, ok := t.stats[k]
		if !ok {
			buf = newRingBuffer(t.bufferSize)
			t.stats[k] = buf
		}
		for _, i := range groups[k] {
			buf.push(rewards[i])
		}

		mean, std := globalMean, globalStd
		if buf.count >= t.minCount {
			mean, std = buf.meanStd()
		}
		for _, i := range groups[k] {
			advantages[i] = (rewards[i] - mean) / (std + epsilon)
		}
	}
	return advantages
}

// PromptSnapshot is a read-only view of one prompt's tracked history.
type PromptSnapshot struct {
	Prompt string
	Count  int
	Mean   float64
	Std    float64
}

// Snapshot returns the tracked prompts sorted by prompt text, for telemetry.
func (t *Tracker) Snapshot() []PromptSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]PromptSnapshot, 0, len(t.stats))
	for p, buf := range t.stats {
		mean, std := buf.meanStd()
		out = append(out, PromptSnapshot{Prompt: p, Count: buf.count, Mean: mean, Std: std})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prompt < out[j].Prompt })
	return out
}

// TrackedPrompts reports how many distinct prompts have history.
func (t *Tracker) TrackedPrompts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stats)
}
