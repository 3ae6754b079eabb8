package fortress

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Incident is one tracked security event. Lifecycle: open -> resolved.
// Re-reporting an open incident with the same (type, sourceAddr) merges into
// it instead of duplicating; double resolution overwrites the recorded
// resolution.
type Incident struct {
	ID         string     `json:"id" db:"id"`
	Type       string     `json:"type" db:"type"`
	Severity   Severity   `json:"severity" db:"severity"`
	SourceAddr string     `json:"sourceAddr,omitempty" db:"source_addr"`
	Count      int        `json:"count" db:"count"`
	OpenedAt   time.Time  `json:"openedAt" db:"opened_at"`
	LastSeen   time.Time  `json:"lastSeen" db:"last_seen"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty" db:"resolved_at"`
	Resolution string     `json:"resolution,omitempty" db:"resolution"`
}

// BlockFunc is the injected containment callback. It is invoked
// synchronously; a failure is logged but the address is still recorded as
// blocked (prefer over-blocking under attack to under-reacting).
type BlockFunc func(addr string) error

const incidentArchiveSchema = `
CREATE TABLE IF NOT EXISTS incidents (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	severity    TEXT NOT NULL,
	source_addr TEXT,
	count       INTEGER NOT NULL,
	opened_at   TIMESTAMP NOT NULL,
	last_seen   TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP,
	resolution  TEXT
);`

// IncidentArchive persists resolved incidents append-only; live incident
// state stays in memory and is rebuilt empty on restart by design.
type IncidentArchive struct {
	db *sqlx.DB
}

func NewIncidentArchive(dsn string) (*IncidentArchive, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open incident archive: %w", err)
	}
	if _, err := db.Exec(incidentArchiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create archive schema: %w", err)
	}
	return &IncidentArchive{db: db}, nil
}

func (a *IncidentArchive) Store(inc Incident) error {
	_, err := a.db.NamedExec(`
		INSERT OR REPLACE INTO incidents
			(id, type, severity, source_addr, count, opened_at, last_seen, resolved_at, resolution)
		VALUES
			(:id, :type, :severity, :source_addr, :count, :opened_at, :last_seen, :resolved_at, :resolution)`,
		inc)
	if err != nil {
		return fmt.Errorf("failed to archive incident %s: %w", inc.ID, err)
	}
	return nil
}

func (a *IncidentArchive) Close() error { return a.db.Close() }

// Orchestrator is the central event sink: it tracks open incidents, owns the
// authoritative blocked-address set, and triggers automatic containment for
// critical findings. It only references incidents it created; it never
// reaches into detector state.
type Orchestrator struct {
	mu        sync.Mutex
	incidents map[string]*Incident
	openByKey map[string]string
	blocked   map[string]time.Time
	autoBlock bool
	block     BlockFunc
	archive   *IncidentArchive
	bus       *EventBus
	logger    *logrus.Logger
}

func NewOrchestrator(cfg IncidentConfig, block BlockFunc, archive *IncidentArchive, bus *EventBus, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		incidents: make(map[string]*Incident),
		openByKey: make(map[string]string),
		blocked:   make(map[string]time.Time),
		autoBlock: cfg.AutoBlockIP,
		block:     block,
		archive:   archive,
		bus:       bus,
		logger:    ensureLogger(logger),
	}
}

func incidentKey(typ, source string) string { return typ + "|" + source }

// ReportIncident records a signal and returns the incident id. It always
// succeeds: malformed severities degrade to low and are still logged. A
// critical incident carrying a source address triggers containment when
// auto-blocking is enabled.
func (o *Orchestrator) ReportIncident(typ string, severity Severity, sourceAddr string) string {
	now := time.Now()
	if typ == "" {
		typ = "unclassified"
	}
	sev, known := normalizeSeverity(severity)
	if !known {
		o.logger.WithField("severity", string(severity)).
			Warn("unknown incident severity, recording as low")
	}

	o.mu.Lock()
	key := incidentKey(typ, sourceAddr)
	var inc *Incident
	opened := false
	if id, ok := o.openByKey[key]; ok {
		inc = o.incidents[id]
		inc.Count++
		inc.LastSeen = now
		if severityRank(sev) > severityRank(inc.Severity) {
			inc.Severity = sev
		}
	} else {
		opened = true
		inc = &Incident{
			ID:         uuid.NewString(),
			Type:       typ,
			Severity:   sev,
			SourceAddr: sourceAddr,
			Count:      1,
			OpenedAt:   now,
			LastSeen:   now,
		}
		o.incidents[inc.ID] = inc
		o.openByKey[key] = inc.ID
	}
	id := inc.ID
	effective := inc.Severity
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{
		"incident": id,
		"type":     typ,
		"severity": string(effective),
		"source":   sourceAddr,
		"merged":   !opened,
	}).Info("incident reported")

	if opened && o.bus != nil {
		o.bus.PublishIncident(IncidentEvent{
			ID:         id,
			Type:       typ,
			Severity:   effective,
			SourceAddr: sourceAddr,
			Phase:      "opened",
			At:         now,
		})
	}

	if o.autoBlock && effective == SeverityCritical && sourceAddr != "" {
		o.blockAddress(sourceAddr)
	}
	return id
}

func (o *Orchestrator) blockAddress(addr string) {
	o.mu.Lock()
	_, already := o.blocked[addr]
	if !already {
		o.blocked[addr] = time.Now()
	}
	block := o.block
	o.mu.Unlock()

	if already {
		return
	}
	o.logger.WithField("addr", addr).Warn("auto-blocking source address")
	if block != nil {
		if err := block(addr); err != nil {
			// Fail open to block: the set already lists the address.
			o.logger.WithError(err).WithField("addr", addr).Error("block callback failed")
		}
	}
}

// ResolveIncident transitions an incident to resolved. Resolving twice is
// not an error; the second call overwrites the resolution and refreshes the
// timestamp.
func (o *Orchestrator) ResolveIncident(id, resolution string) error {
	now := time.Now()
	o.mu.Lock()
	inc, ok := o.incidents[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownIncident, id)
	}
	inc.ResolvedAt = &now
	inc.Resolution = resolution
	delete(o.openByKey, incidentKey(inc.Type, inc.SourceAddr))
	snapshot := *inc
	o.mu.Unlock()

	if o.bus != nil {
		o.bus.PublishIncident(IncidentEvent{
			ID:         snapshot.ID,
			Type:       snapshot.Type,
			Severity:   snapshot.Severity,
			SourceAddr: snapshot.SourceAddr,
			Phase:      "resolved",
			At:         now,
		})
	}
	if o.archive != nil {
		if err := o.archive.Store(snapshot); err != nil {
			o.logger.WithError(err).Warn("failed to archive resolved incident")
		}
	}
	return nil
}

// Incident returns a copy of the incident with the given id.
func (o *Orchestrator) Incident(id string) (Incident, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	inc, ok := o.incidents[id]
	if !ok {
		return Incident{}, false
	}
	return *inc, true
}

// OpenIncidents lists unresolved incidents, most recent activity first.
func (o *Orchestrator) OpenIncidents() []Incident {
	o.mu.Lock()
	out := make([]Incident, 0, len(o.openByKey))
	for _, id := range o.openByKey {
		out = append(out, *o.incidents[id])
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// BlockedIPs is the authoritative block list consulted by the network-facing
// layer, sorted for stable output.
func (o *Orchestrator) BlockedIPs() []string {
	o.mu.Lock()
	out := make([]string, 0, len(o.blocked))
	for addr := range o.blocked {
		out = append(out, addr)
	}
	o.mu.Unlock()
	sort.Strings(out)
	return out
}

// IsBlocked reports whether an address is on the block list.
func (o *Orchestrator) IsBlocked(addr string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.blocked[addr]
	return ok
}

// Unblock removes an address from the block list, for administrative use.
func (o *Orchestrator) Unblock(addr string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.blocked, addr)
}
