// Package profiler tracks per-stage timing of a processing run.
package profiler

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultMaxSamples bounds the rolling window kept per operation.
const DefaultMaxSamples = 1000

// Timing summarises the samples recorded for one operation.
type Timing struct {
	Name  string        `json:"name"`
	Count int64         `json:"count"`
	Mean  time.Duration `json:"mean"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
}

// PerSecond is the throughput implied by the mean duration.
func (t Timing) PerSecond() float64 {
	if t.Mean <= 0 {
		return 0
	}
	return float64(time.Second) / float64(t.Mean)
}

type timeTracker struct {
	durations []time.Duration
	total     time.Duration
	min       time.Duration
	max       time.Duration
	count     int64
}

// Tracker records operation durations. Min, max and count cover every
// sample; the mean covers the rolling window only.
//
// A Tracker is safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	maxSamples int
	operations map[string]*timeTracker
	now        func() time.Time
}

// NewTracker creates a Tracker with a rolling window of maxSamples per
// operation. Non-positive values select DefaultMaxSamples.
func NewTracker(maxSamples int) *Tracker {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Tracker{
		maxSamples: maxSamples,
		operations: make(map[string]*timeTracker),
		now:        time.Now,
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - A function to call when the operation completes.
//
// @example
// done := tracker.StartOperation("detect")
// dets, err := model.Detect(ctx, frame, opts)
// done()
func (t *Tracker) StartOperation(name string) func() {
	start := t.now()
	return func() {
		t.Record(name, t.now().Sub(start))
	}
}

// Record adds one sample for name.
func (t *Tracker) Record(name string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracker, ok := t.operations[name]
	if !ok {
		tracker = &timeTracker{min: d, max: d}
		t.operations[name] = tracker
	}

	tracker.durations = append(tracker.durations, d)
	tracker.total += d
	if len(tracker.durations) > t.maxSamples {
		tracker.total -= tracker.durations[0]
		tracker.durations = tracker.durations[1:]
	}
	tracker.count++

	if d < tracker.min {
		tracker.min = d
	}
	if d > tracker.max {
		tracker.max = d
	}
}

// Timing returns the summary for name, or false if nothing was recorded.
func (t *Tracker) Timing(name string) (Timing, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracker, ok := t.operations[name]
	if !ok {
		return Timing{}, false
	}
	return summarise(name, tracker), true
}

// Timings returns every operation's summary sorted by name.
func (t *Tracker) Timings() []Timing {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Timing, 0, len(t.operations))
	for name, tracker := range t.operations {
		out = append(out, summarise(name, tracker))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Log writes one debug entry per operation.
func (t *Tracker) Log(log logrus.FieldLogger) {
	for _, timing := range t.Timings() {
		log.WithFields(logrus.Fields{
			"operation": timing.Name,
			"count":     timing.Count,
			"avg":       timing.Mean.Truncate(time.Microsecond),
			"min":       timing.Min.Truncate(time.Microsecond),
			"max":       timing.Max.Truncate(time.Microsecond),
			"per_sec":   timing.PerSecond(),
		}).Debug("operation timing")
	}
}

func summarise(name string, tracker *timeTracker) Timing {
	timing := Timing{Name: name, Count: tracker.count, Min: tracker.min, Max: tracker.max}
	if n := len(tracker.durations); n > 0 {
		timing.Mean = tracker.total / time.Duration(n)
	}
	return timing
}
