package fortress

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// WindowKind names one of the independent trend granularities. Multiple
// windows exist so both a short burst and a slow multi-day creep stay
// catchable; a finding in one window never suppresses the others.
type WindowKind string

const (
	WindowShort  WindowKind = "short"
	WindowMedium WindowKind = "medium"
	WindowLong   WindowKind = "long"
	WindowDaily  WindowKind = "daily"
)

type windowSpec struct {
	kind       WindowKind
	bucketSpan time.Duration
	capacity   int
}

var windowSpecs = []windowSpec{
	{WindowShort, 5 * time.Second, 12},
	{WindowMedium, time.Minute, 15},
	{WindowLong, 5 * time.Minute, 12},
	{WindowDaily, time.Hour, 24},
}

type bucketSample struct {
	requests int
	errors   int
	sources  map[string]struct{}
}

func newBucketSample() bucketSample {
	return bucketSample{sources: make(map[string]struct{})}
}

type trafficWindow struct {
	spec         windowSpec
	completed    []bucketSample
	current      bucketSample
	currentStart time.Time
	observations int
	lastFlagged  map[string]time.Time
}

func newTrafficWindow(spec windowSpec, now time.Time) *trafficWindow {
	return &trafficWindow{
		spec:         spec,
		current:      newBucketSample(),
		currentStart: now.Truncate(spec.bucketSpan),
		lastFlagged:  make(map[string]time.Time),
	}
}

// rotate advances the ring up to now, inserting zero buckets for idle spans
// so a quiet period reads as a genuine drop rather than a gap.
func (w *trafficWindow) rotate(now time.Time) {
	span := w.spec.bucketSpan
	if now.Sub(w.currentStart) > span*time.Duration(w.spec.capacity+1) {
		w.completed = w.completed[:0]
		w.current = newBucketSample()
		w.currentStart = now.Truncate(span)
		return
	}
	for !now.Before(w.currentStart.Add(span)) {
		w.completed = append(w.completed, w.current)
		if len(w.completed) > w.spec.capacity {
			w.completed = w.completed[1:]
		}
		w.current = newBucketSample()
		w.currentStart = w.currentStart.Add(span)
	}
}

func (w *trafficWindow) record(sig RequestSignal) {
	w.observations++
	w.current.requests++
	if sig.StatusCode >= 400 {
		w.current.errors++
	}
	if sig.SourceAddr != "" {
		w.current.sources[sig.SourceAddr] = struct{}{}
	}
}

func (w *trafficWindow) series(metric string) []float64 {
	out := make([]float64, 0, len(w.completed))
	for _, b := range w.completed {
		switch metric {
		case "requests":
			out = append(out, float64(b.requests))
		case "unique_sources":
			out = append(out, float64(len(b.sources)))
		case "errors":
			out = append(out, float64(b.errors))
		}
	}
	return out
}

var rampMetrics = []string{"requests", "unique_sources", "errors"}

// calculateTrend computes a least-squares slope over bucket index and the
// length of the strictly increasing suffix (counted as increases, not
// elements).
func calculateTrend(series []float64) (slope float64, consecutive int) {
	n := len(series)
	if n < 2 {
		return 0, 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range series {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	den := float64(n)*sumXX - sumX*sumX
	if den != 0 {
		slope = (float64(n)*sumXY - sumX*sumY) / den
	}
	for i := n - 1; i > 0; i-- {
		if series[i] > series[i-1] {
			consecutive++
		} else {
			break
		}
	}
	return slope, consecutive
}

// RampDetector tracks traffic volume, source uniqueness and error counts
// across the four windows and flags sustained escalation. Each window starts
// in learning mode and arms only after enough observations, which prevents
// cold-start false positives.
type RampDetector struct {
	mu                  sync.Mutex
	windows             []*trafficWindow
	minSamples          int
	consecutiveRequired int
	minSlope            float64
	tick                time.Duration
	bus                 *EventBus
	logger              *logrus.Logger
	stop                chan struct{}
	stopOnce            sync.Once
	started             bool
	wg                  sync.WaitGroup
}

func NewRampDetector(cfg RampConfig, bus *EventBus, logger *logrus.Logger) *RampDetector {
	now := time.Now()
	windows := make([]*trafficWindow, 0, len(windowSpecs))
	for _, spec := range windowSpecs {
		windows = append(windows, newTrafficWindow(spec, now))
	}
	tick := cfg.TickInterval.Std()
	if tick <= 0 {
		tick = time.Second
	}
	return &RampDetector{
		windows:             windows,
		minSamples:          cfg.MinSamples,
		consecutiveRequired: cfg.ConsecutiveRequired,
		minSlope:            cfg.MinSlope,
		tick:                tick,
		bus:                 bus,
		logger:              ensureLogger(logger),
		stop:                make(chan struct{}),
	}
}

// Observe records one request into every window. Uses sig.At when set so
// replayed traffic stays deterministic.
func (d *RampDetector) Observe(sig RequestSignal) {
	now := sig.At
	if now.IsZero() {
		now = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.windows {
		w.rotate(now)
		w.record(sig)
	}
}

// Armed reports whether the named window has left learning mode.
func (d *RampDetector) Armed(kind WindowKind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.windows {
		if w.spec.kind == kind {
			return w.observations >= d.minSamples
		}
	}
	return false
}

// Evaluate rotates all windows to now and emits a traffic_ramp finding for
// every armed window whose trailing series shows a sustained climb. Windows
// are evaluated independently; at most one finding per metric per bucket
// rotation.
func (d *RampDetector) Evaluate(now time.Time) {
	type firing struct {
		window      WindowKind
		metric      string
		slope       float64
		consecutive int
	}
	var fired []firing

	d.mu.Lock()
	for _, w := range d.windows {
		w.rotate(now)
		if w.observations < d.minSamples {
			continue // learning mode never fires
		}
		for _, metric := range rampMetrics {
			if w.lastFlagged[metric].Equal(w.currentStart) {
				continue
			}
			slope, consecutive := calculateTrend(w.series(metric))
			if consecutive >= d.consecutiveRequired && slope > d.minSlope {
				w.lastFlagged[metric] = w.currentStart
				fired = append(fired, firing{w.spec.kind, metric, slope, consecutive})
			}
		}
	}
	d.mu.Unlock()

	for _, f := range fired {
		d.logger.WithFields(logrus.Fields{
			"window":      string(f.window),
			"metric":      f.metric,
			"slope":       f.slope,
			"consecutive": f.consecutive,
		}).Warn("sustained traffic ramp detected")
		d.bus.PublishThreat(ThreatEvent{
			Kind:     ThreatTrafficRamp,
			Severity: SeverityHigh,
			Window:   string(f.window),
			Reason:   "sustained upward trend in " + f.metric,
			Metrics: map[string]float64{
				"slope":                 f.slope,
				"consecutive_increases": float64(f.consecutive),
			},
			At: now,
		})
	}
}

// Start launches the rollover/evaluation ticker.
func (d *RampDetector) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.tick)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				d.Evaluate(now)
			case <-d.stop:
				return
			}
		}
	}()
}

// Stop halts the ticker. Idempotent; a stopped detector fires no further
// events from its own timer.
func (d *RampDetector) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}

// UpdateThresholds applies reloaded config.
func (d *RampDetector) UpdateThresholds(cfg RampConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg.MinSamples > 0 {
		d.minSamples = cfg.MinSamples
	}
	if cfg.ConsecutiveRequired > 0 {
		d.consecutiveRequired = cfg.ConsecutiveRequired
	}
	if cfg.MinSlope >= 0 {
		d.minSlope = cfg.MinSlope
	}
}
