package fortress

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Core wires the detectors, the secret-protection services and the incident
// orchestrator together. Request metadata flows in through Process (or the
// fiber middleware); threat findings flow through the event bus into the
// orchestrator, which opens incidents, blocks addresses and dispatches
// alerts.
type Core struct {
	cfg     Config
	logger  *logrus.Logger
	bus     *EventBus
	metrics MetricsCollector

	observations *ObservationTable
	correlator   *Correlator
	ramp         *RampDetector
	deadman      *DeadManSwitch
	alerts       *AlertChannel
	incidents    *Orchestrator
	archive      *IncidentArchive

	stop     chan struct{}
	stopOnce sync.Once
	started  bool
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// NewCore builds a core from config. keys may be nil: a provider is then
// derived from config (SQLite keystore when a DSN is set, key file
// otherwise). block may be nil when no containment integration exists;
// metrics may be nil for the in-memory default.
func NewCore(cfg Config, keys KeyProvider, block BlockFunc, metrics MetricsCollector, logger *logrus.Logger) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = ensureLogger(logger)
	if metrics == nil {
		metrics = NewInMemoryMetricsCollector()
	}
	bus := NewEventBus(cfg.EventBuffer)

	if keys == nil {
		var err error
		keys, err = keyProviderFromConfig(cfg.Alerts)
		if err != nil {
			return nil, err
		}
	}
	alerts, err := NewAlertChannel(keys, bus, logger)
	if err != nil {
		return nil, err
	}

	var archive *IncidentArchive
	if cfg.Incidents.ArchiveDSN != "" {
		archive, err = NewIncidentArchive(cfg.Incidents.ArchiveDSN)
		if err != nil {
			return nil, err
		}
	}

	observations := NewObservationTable(cfg.Fingerprint, bus, logger)
	core := &Core{
		cfg:          cfg,
		logger:       logger,
		bus:          bus,
		metrics:      metrics,
		observations: observations,
		correlator:   NewCorrelator(cfg.Correlator, observations, bus, logger),
		ramp:         NewRampDetector(cfg.Ramp, bus, logger),
		deadman:      NewDeadManSwitch(cfg.DeadMan, bus, logger),
		alerts:       alerts,
		incidents:    NewOrchestrator(cfg.Incidents, block, archive, bus, logger),
		archive:      archive,
		stop:         make(chan struct{}),
	}
	return core, nil
}

func keyProviderFromConfig(cfg AlertConfig) (KeyProvider, error) {
	if cfg.KeystoreDSN != "" {
		provider, err := NewSQLiteKeyProvider(cfg.KeystoreDSN, "alert-key")
		if err != nil {
			return nil, fmt.Errorf("failed to open keystore: %w", err)
		}
		return provider, nil
	}
	if cfg.KeyPath != "" {
		return NewFileKeyProvider(cfg.KeyPath), nil
	}
	return nil, nil
}

// Process runs one request's metadata through every detector. It is the hot
// path: all work is in-memory and no emission ever blocks.
func (c *Core) Process(sig RequestSignal) {
	now := sig.At
	if now.IsZero() {
		now = time.Now()
		sig.At = now
	}
	fp := ComputeFingerprint(sig)
	c.observations.Record(fp, sig.SourceAddr, now)
	c.correlator.Observe(fp.Digest, sig.SourceAddr, now)
	c.ramp.Observe(sig)
	c.metrics.IncrementCounter("fortress_requests_total", nil)
}

// Start launches the background loops: detector tickers, observation sweep,
// and the threat consumer that feeds the orchestrator.
func (c *Core) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.ramp.Start()
	c.deadman.Start()

	sweep := c.cfg.SweepEvery.Std()
	if sweep <= 0 {
		sweep = time.Minute
	}
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(sweep)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				c.observations.Sweep(now)
				c.metrics.SetGauge("fortress_fingerprints_live", float64(c.observations.Len()), nil)
			case <-c.stop:
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for {
			select {
			case ev := <-c.bus.Threats():
				c.handleThreat(ev)
			case <-c.stop:
				return
			}
		}
	}()
}

// handleThreat converts a detector finding into an incident and, for high
// and critical findings, an encrypted alert.
func (c *Core) handleThreat(ev ThreatEvent) {
	c.metrics.IncrementCounter("fortress_threats_total", map[string]string{
		"kind":     ev.Kind,
		"severity": string(ev.Severity),
	})
	c.incidents.ReportIncident(ev.Kind, ev.Severity, ev.SourceAddr)

	if severityRank(ev.Severity) < severityRank(SeverityHigh) {
		return
	}
	if _, err := c.alerts.Dispatch(Alert{
		Kind:       ev.Kind,
		Severity:   ev.Severity,
		SourceAddr: ev.SourceAddr,
		Detail:     ev.Reason,
		At:         ev.At,
	}); err != nil {
		c.logger.WithError(err).Warn("failed to dispatch alert")
	}
}

// ApplyConfig updates the live detector thresholds from a reloaded config.
// Structural settings (buffers, key provider, archive) require a restart.
func (c *Core) ApplyConfig(cfg Config) {
	c.observations.UpdateThresholds(cfg.Fingerprint)
	c.correlator.UpdateThresholds(cfg.Correlator)
	c.ramp.UpdateThresholds(cfg.Ramp)
}

// Stop shuts down all background work. Idempotent; no events fire after it
// returns.
func (c *Core) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.ramp.Stop()
	c.deadman.Stop()
	c.wg.Wait()
	if c.archive != nil {
		if err := c.archive.Close(); err != nil {
			c.logger.WithError(err).Warn("failed to close incident archive")
		}
	}
}

// Component accessors for the admin-facing layer.

func (c *Core) Alerts() *AlertChannel     { return c.alerts }
func (c *Core) DeadMan() *DeadManSwitch   { return c.deadman }
func (c *Core) Incidents() *Orchestrator  { return c.incidents }
func (c *Core) Ramp() *RampDetector       { return c.ramp }
func (c *Core) Correlator() *Correlator   { return c.correlator }
func (c *Core) Bus() *EventBus            { return c.bus }
func (c *Core) Metrics() MetricsCollector { return c.metrics }

// Status is a point-in-time operational snapshot.
type Status struct {
	Suspicious    []ObservationSummary `json:"suspicious"`
	OpenIncidents []Incident           `json:"openIncidents"`
	BlockedIPs    []string             `json:"blockedIPs"`
	DeadMan       SwitchStatus         `json:"deadman"`
	DroppedEvents uint64               `json:"droppedEvents"`
	EphemeralKey  bool                 `json:"ephemeralKey"`
}

func (c *Core) Status() Status {
	return Status{
		Suspicious:    c.correlator.Suspicious(),
		OpenIncidents: c.incidents.OpenIncidents(),
		BlockedIPs:    c.incidents.BlockedIPs(),
		DeadMan:       c.deadman.Status(),
		DroppedEvents: c.bus.Dropped(),
		EphemeralKey:  c.alerts.Ephemeral(),
	}
}
