package fortress

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Correlator watches the shared observation stream for botnet-style fan-out:
// one fingerprint replayed from many source addresses at volume. Both the
// unique-source and request-count minimums must be exceeded before it fires,
// so a single busy client or many distinct one-off visitors never qualify.
type Correlator struct {
	mu          sync.Mutex
	table       *ObservationTable
	minSources  int
	minRequests int
	bus         *EventBus
	logger      *logrus.Logger
}

func NewCorrelator(cfg CorrelatorConfig, table *ObservationTable, bus *EventBus, logger *logrus.Logger) *Correlator {
	return &Correlator{
		table:       table,
		minSources:  cfg.MinSources,
		minRequests: cfg.MinRequests,
		bus:         bus,
		logger:      ensureLogger(logger),
	}
}

// Observe re-evaluates one fingerprint after a new request was recorded for
// it. Emits distributed_attack at most once per entry per window; the latch
// clears when the observation table evicts the entry.
func (c *Correlator) Observe(digest, source string, now time.Time) {
	c.mu.Lock()
	minSources, minRequests := c.minSources, c.minRequests
	c.mu.Unlock()

	summary, fired := c.table.tryFlagDistributed(digest, minSources, minRequests)
	if !fired {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"fingerprint": digest,
		"sources":     summary.UniqueSources,
		"requests":    summary.Requests,
	}).Error("distributed attack pattern detected")
	c.bus.PublishThreat(ThreatEvent{
		Kind:        ThreatDistributedAttack,
		Severity:    SeverityCritical,
		SourceAddr:  source,
		Fingerprint: digest,
		Reason:      "coordinated request fan-out across source addresses",
		Metrics: map[string]float64{
			"unique_sources": float64(summary.UniqueSources),
			"requests":       float64(summary.Requests),
		},
		At: now,
	})
}

// Suspicious returns live fingerprints ranked by (uniqueSources, requests)
// descending.
func (c *Correlator) Suspicious() []ObservationSummary {
	return c.table.Snapshot()
}

// UpdateThresholds applies reloaded config.
func (c *Correlator) UpdateThresholds(cfg CorrelatorConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.MinSources > 0 {
		c.minSources = cfg.MinSources
	}
	if cfg.MinRequests > 0 {
		c.minRequests = cfg.MinRequests
	}
}
