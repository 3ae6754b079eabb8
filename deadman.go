package fortress

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// VacationPeriod is a scheduled absence, half-open [Start, End).
type VacationPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (v VacationPeriod) contains(t time.Time) bool {
	return !t.Before(v.Start) && t.Before(v.End)
}

// AdminRecord tracks one registered operator. Records are never deleted;
// an overdue heartbeat deactivates them implicitly.
type AdminRecord struct {
	ID            string
	DisplayName   string
	LastHeartbeat time.Time
	Vacations     []VacationPeriod
}

// AdminStatus is the per-admin slice of a status report.
type AdminStatus struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"displayName"`
	IsActive      bool      `json:"isActive"`
	OnVacation    bool      `json:"onVacation"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// SwitchStatus reports every admin plus the global triggered flag.
type SwitchStatus struct {
	Admins    []AdminStatus `json:"admins"`
	Triggered bool          `json:"triggered"`
}

// DeadManSwitch tracks liveness heartbeats from registered operators and
// escalates once when every one of them has gone silent. A single fresh
// heartbeat from any admin, vacationing or not, suppresses triggering;
// admins on scheduled vacation are excused from the all-silent requirement.
type DeadManSwitch struct {
	mu        sync.Mutex
	admins    map[string]*AdminRecord
	liveness  time.Duration
	scanEvery time.Duration
	triggered bool
	escalate  func(reason string)
	bus       *EventBus
	logger    *logrus.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	started   bool
	wg        sync.WaitGroup
}

func NewDeadManSwitch(cfg DeadManConfig, bus *EventBus, logger *logrus.Logger) *DeadManSwitch {
	liveness := cfg.LivenessWindow.Std()
	if liveness <= 0 {
		liveness = 24 * time.Hour
	}
	scan := cfg.ScanInterval.Std()
	if scan <= 0 {
		scan = 30 * time.Second
	}
	return &DeadManSwitch{
		admins:    make(map[string]*AdminRecord),
		liveness:  liveness,
		scanEvery: scan,
		bus:       bus,
		logger:    ensureLogger(logger),
		stop:      make(chan struct{}),
	}
}

// OnEscalate installs the callback invoked once per all-silent transition.
func (s *DeadManSwitch) OnEscalate(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalate = fn
}

// RegisterAdmin adds an operator. An empty id gets a generated one; the
// chosen id is returned. Registration counts as an initial heartbeat.
func (s *DeadManSwitch) RegisterAdmin(id, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: admin name must not be empty", ErrInvalidParameters)
	}
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.admins[id]; exists {
		return "", fmt.Errorf("%w: admin %s already registered", ErrInvalidParameters, id)
	}
	s.admins[id] = &AdminRecord{
		ID:            id,
		DisplayName:   name,
		LastHeartbeat: time.Now(),
	}
	s.logger.WithFields(logrus.Fields{"admin": id, "name": name}).Info("admin registered")
	return id, nil
}

// Heartbeat records liveness for an admin. Unknown ids return false rather
// than an error: this path is reachable from low-trust callers and must
// never take the process down.
func (s *DeadManSwitch) Heartbeat(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	admin, ok := s.admins[id]
	if !ok {
		return false
	}
	admin.LastHeartbeat = time.Now()
	return true
}

// ScheduleVacation records a scheduled absence for an admin.
func (s *DeadManSwitch) ScheduleVacation(id string, start, end time.Time) error {
	if !end.After(start) {
		return fmt.Errorf("%w: vacation end must be after start", ErrInvalidParameters)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	admin, ok := s.admins[id]
	if !ok {
		return fmt.Errorf("%w: admin %s not registered", ErrInvalidParameters, id)
	}
	admin.Vacations = append(admin.Vacations, VacationPeriod{Start: start, End: end})
	sort.Slice(admin.Vacations, func(i, j int) bool {
		return admin.Vacations[i].Start.Before(admin.Vacations[j].Start)
	})
	return nil
}

func (s *DeadManSwitch) onVacation(a *AdminRecord, now time.Time) bool {
	for _, v := range a.Vacations {
		if v.contains(now) {
			return true
		}
	}
	return false
}

// Status reports every admin and the triggered flag as of now.
func (s *DeadManSwitch) Status() SwitchStatus {
	return s.statusAt(time.Now())
}

func (s *DeadManSwitch) statusAt(now time.Time) SwitchStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := SwitchStatus{Triggered: s.triggered}
	for _, a := range s.admins {
		vac := s.onVacation(a, now)
		fresh := now.Sub(a.LastHeartbeat) <= s.liveness
		status.Admins = append(status.Admins, AdminStatus{
			ID:            a.ID,
			DisplayName:   a.DisplayName,
			IsActive:      fresh && !vac,
			OnVacation:    vac,
			LastHeartbeat: a.LastHeartbeat,
		})
	}
	sort.Slice(status.Admins, func(i, j int) bool {
		return status.Admins[i].ID < status.Admins[j].ID
	})
	return status
}

// evaluate recomputes the all-silent condition and fires the escalation on
// the false-to-true edge only. Returning to activity re-arms the switch.
func (s *DeadManSwitch) evaluate(now time.Time) {
	s.mu.Lock()
	silent := len(s.admins) > 0
	excused := 0
	for _, a := range s.admins {
		if now.Sub(a.LastHeartbeat) <= s.liveness {
			silent = false
			break
		}
		if s.onVacation(a, now) {
			excused++
		}
	}
	if silent && excused == len(s.admins) {
		// Everyone is on scheduled leave; silence is expected.
		silent = false
	}

	fire := silent && !s.triggered
	s.triggered = silent
	escalate := s.escalate
	s.mu.Unlock()

	if !fire {
		return
	}
	reason := "all registered operators silent beyond liveness window"
	s.logger.Error("dead-man's-switch triggered")
	if s.bus != nil {
		s.bus.PublishThreat(ThreatEvent{
			Kind:     ThreatOperatorSilence,
			Severity: SeverityCritical,
			Reason:   reason,
			At:       now,
		})
	}
	if escalate != nil {
		escalate(reason)
	}
}

// Start launches the periodic liveness scan.
func (s *DeadManSwitch) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.scanEvery)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				s.evaluate(now)
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the scan loop. Idempotent.
func (s *DeadManSwitch) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}
