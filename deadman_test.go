package fortress

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testDeadManConfig() DeadManConfig {
	return DeadManConfig{
		LivenessWindow: Duration(50 * time.Millisecond),
		ScanInterval:   Duration(10 * time.Millisecond),
	}
}

func TestRegisterAndHeartbeat(t *testing.T) {
	s := NewDeadManSwitch(testDeadManConfig(), NewEventBus(16), nil)

	if s.Heartbeat("ghost") {
		t.Fatal("heartbeat for an unknown admin must return false")
	}

	if _, err := s.RegisterAdmin("a1", ""); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("empty name should be rejected, got %v", err)
	}

	id, err := s.RegisterAdmin("", "Alice")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if id == "" {
		t.Fatal("empty input id should get a generated one")
	}
	if !s.Heartbeat(id) {
		t.Fatal("heartbeat for a registered admin must return true")
	}

	if _, err := s.RegisterAdmin(id, "Alice Again"); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("duplicate registration should be rejected, got %v", err)
	}
}

func TestNoAdminsNeverTriggers(t *testing.T) {
	bus := NewEventBus(16)
	s := NewDeadManSwitch(testDeadManConfig(), bus, nil)

	s.evaluate(time.Now().Add(24 * time.Hour))
	expectNoThreat(t, bus)
	if s.Status().Triggered {
		t.Fatal("empty switch must never trigger")
	}
}

func TestPartialSilenceDoesNotTrigger(t *testing.T) {
	bus := NewEventBus(16)
	s := NewDeadManSwitch(testDeadManConfig(), bus, nil)
	if _, err := s.RegisterAdmin("alice", "Alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RegisterAdmin("bob", "Bob"); err != nil {
		t.Fatal(err)
	}

	// Beyond Bob's liveness, but Alice just checked in.
	time.Sleep(60 * time.Millisecond)
	s.Heartbeat("alice")

	now := time.Now()
	s.evaluate(now)
	expectNoThreat(t, bus)

	status := s.statusAt(now)
	if status.Triggered {
		t.Fatal("one fresh heartbeat must suppress triggering")
	}
	if len(status.Admins) != 2 {
		t.Fatalf("expected 2 admins, got %d", len(status.Admins))
	}
	if !status.Admins[0].IsActive { // alice sorts first
		t.Fatal("alice should be active")
	}
	if status.Admins[1].IsActive {
		t.Fatal("bob should be inactive")
	}
}

func TestAllSilentTriggersOnceAndRearms(t *testing.T) {
	bus := NewEventBus(16)
	s := NewDeadManSwitch(testDeadManConfig(), bus, nil)
	var escalations int64
	s.OnEscalate(func(string) { atomic.AddInt64(&escalations, 1) })

	if _, err := s.RegisterAdmin("alice", "Alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RegisterAdmin("bob", "Bob"); err != nil {
		t.Fatal(err)
	}

	silentAt := time.Now().Add(time.Hour)
	s.evaluate(silentAt)
	ev := recvThreat(t, bus)
	if ev.Kind != ThreatOperatorSilence {
		t.Fatalf("expected %s, got %s", ThreatOperatorSilence, ev.Kind)
	}
	if ev.Severity != SeverityCritical {
		t.Fatalf("operator silence must be critical, got %s", ev.Severity)
	}
	if !s.statusAt(silentAt).Triggered {
		t.Fatal("status should report triggered")
	}

	// Still silent: no repeat while the condition holds.
	s.evaluate(silentAt.Add(time.Minute))
	expectNoThreat(t, bus)
	if got := atomic.LoadInt64(&escalations); got != 1 {
		t.Fatalf("escalation callback should run once, ran %d times", got)
	}

	// A heartbeat re-arms; the next all-silent period fires again.
	s.Heartbeat("alice")
	s.evaluate(time.Now())
	expectNoThreat(t, bus)

	s.evaluate(time.Now().Add(time.Hour))
	ev = recvThreat(t, bus)
	if ev.Kind != ThreatOperatorSilence {
		t.Fatalf("expected re-armed trigger, got %s", ev.Kind)
	}
	if got := atomic.LoadInt64(&escalations); got != 2 {
		t.Fatalf("escalation callback should have run twice, ran %d times", got)
	}
}

func TestVacationExcusesSilence(t *testing.T) {
	bus := NewEventBus(16)
	s := NewDeadManSwitch(testDeadManConfig(), bus, nil)
	if _, err := s.RegisterAdmin("alice", "Alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RegisterAdmin("bob", "Bob"); err != nil {
		t.Fatal(err)
	}

	away := time.Now().Add(time.Hour)
	if err := s.ScheduleVacation("alice", away.Add(-time.Minute), away.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.ScheduleVacation("bob", away.Add(-time.Minute), away.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	// Everyone silent but everyone scheduled away: expected silence.
	s.evaluate(away)
	expectNoThreat(t, bus)
	if s.statusAt(away).Triggered {
		t.Fatal("all-on-vacation silence must not trigger")
	}
	status := s.statusAt(away)
	for _, a := range status.Admins {
		if !a.OnVacation {
			t.Fatalf("admin %s should be on vacation", a.ID)
		}
		if a.IsActive {
			t.Fatalf("vacationing silent admin %s should not be active", a.ID)
		}
	}

	// After the vacations end the same silence is real.
	after := away.Add(time.Hour)
	s.evaluate(after)
	ev := recvThreat(t, bus)
	if ev.Kind != ThreatOperatorSilence {
		t.Fatalf("expected trigger once vacations lapse, got %s", ev.Kind)
	}
}

func TestVacationDoesNotExcuseOthers(t *testing.T) {
	bus := NewEventBus(16)
	s := NewDeadManSwitch(testDeadManConfig(), bus, nil)
	if _, err := s.RegisterAdmin("alice", "Alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RegisterAdmin("bob", "Bob"); err != nil {
		t.Fatal(err)
	}

	away := time.Now().Add(time.Hour)
	if err := s.ScheduleVacation("alice", away.Add(-time.Minute), away.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	// Alice is excused; Bob is silent with no excuse.
	s.evaluate(away)
	ev := recvThreat(t, bus)
	if ev.Kind != ThreatOperatorSilence {
		t.Fatalf("expected trigger when a non-vacationing admin is silent, got %s", ev.Kind)
	}
}

func TestScheduleVacationValidation(t *testing.T) {
	s := NewDeadManSwitch(testDeadManConfig(), NewEventBus(16), nil)
	if _, err := s.RegisterAdmin("alice", "Alice"); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	if err := s.ScheduleVacation("alice", now, now); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("zero-length vacation should be rejected, got %v", err)
	}
	if err := s.ScheduleVacation("ghost", now, now.Add(time.Hour)); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("vacation for unknown admin should be rejected, got %v", err)
	}
}
