package budget

import (
	"fmt"
	"testing"
	"time"

	"github.com/voluteio/volute/internal/config"
	"github.com/voluteio/volute/pkg/protocol"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func textMsg(text string) QueuedMessage {
	return QueuedMessage{
		Content: []protocol.ContentBlock{protocol.TextBlock(text)},
		Channel: "volute:test",
	}
}

func TestGateTransitions(t *testing.T) {
	m := NewManager(testConfig(t), nil)
	if err := m.SetBudget("ada", 1000, 60); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		use  int
		want Status
	}{
		{"fresh", 0, StatusOK},
		{"below warn", 700, StatusOK},
		{"crosses warn", 150, StatusWarning}, // total 850 >= 80%
		{"crosses limit", 200, StatusExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m.RecordUsage("ada", tt.use, 0)
			if got := m.CheckBudget("ada"); got != tt.want {
				t.Errorf("CheckBudget = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWarningReportedOncePerPeriod(t *testing.T) {
	m := NewManager(testConfig(t), nil)
	if err := m.SetBudget("ada", 1000, 60); err != nil {
		t.Fatal(err)
	}
	m.RecordUsage("ada", 800, 0)

	if got := m.CheckBudget("ada"); got != StatusWarning {
		t.Fatalf("first check = %q, want warning", got)
	}
	m.AcknowledgeWarning("ada")
	if got := m.CheckBudget("ada"); got != StatusOK {
		t.Errorf("after ack = %q, want ok", got)
	}
}

func TestNoBudgetIsAlwaysOK(t *testing.T) {
	m := NewManager(testConfig(t), nil)
	m.RecordUsage("ada", 1<<30, 0)
	if got := m.CheckBudget("ada"); got != StatusOK {
		t.Errorf("unbudgeted mind = %q, want ok", got)
	}
}

func TestSetBudgetRejectsBadValues(t *testing.T) {
	m := NewManager(testConfig(t), nil)
	if err := m.SetBudget("ada", 0, 60); err == nil {
		t.Error("zero limit accepted")
	}
	if err := m.SetBudget("ada", -5, 60); err == nil {
		t.Error("negative limit accepted")
	}
	if err := m.SetBudget("ada", 100, -1); err == nil {
		t.Error("negative period accepted")
	}
}

func TestQueueCapDropsOldest(t *testing.T) {
	m := NewManager(testConfig(t), nil)
	if err := m.SetBudget("ada", 100, 60); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < queueCap+10; i++ {
		m.Enqueue("ada", textMsg(fmt.Sprintf("msg-%d", i)))
	}
	got := m.Drain("ada")
	if len(got) != queueCap {
		t.Fatalf("drained %d, want %d", len(got), queueCap)
	}
	if first := protocol.FirstText(got[0].Content); first != "msg-10" {
		t.Errorf("oldest retained = %q, want msg-10", first)
	}
	if m.Drain("ada") != nil {
		t.Error("second drain not empty")
	}
}

func TestTickRollsOverAndDrains(t *testing.T) {
	var drainedMind string
	var drained []QueuedMessage
	m := NewManager(testConfig(t), func(mind string, msgs []QueuedMessage) {
		drainedMind = mind
		drained = msgs
	})

	now := time.Now()
	m.now = func() time.Time { return now }

	if err := m.SetBudget("ada", 100, 30); err != nil {
		t.Fatal(err)
	}
	m.RecordUsage("ada", 100, 0)
	m.Enqueue("ada", textMsg("deferred"))
	if got := m.CheckBudget("ada"); got != StatusExceeded {
		t.Fatalf("pre-rollover = %q, want exceeded", got)
	}

	now = now.Add(31 * time.Minute)
	m.Tick()

	if got := m.CheckBudget("ada"); got != StatusOK {
		t.Errorf("post-rollover = %q, want ok", got)
	}
	if drainedMind != "ada" || len(drained) != 1 {
		t.Errorf("drain got (%q, %d msgs), want (ada, 1)", drainedMind, len(drained))
	}
}

func TestTickAdvancesWholePeriods(t *testing.T) {
	m := NewManager(testConfig(t), nil)
	start := time.Now()
	now := start
	m.now = func() time.Time { return now }

	if err := m.SetBudget("ada", 100, 10); err != nil {
		t.Fatal(err)
	}

	// A stalled daemon wakes up 35 minutes later: the boundary must land on
	// a whole multiple of the period, not on the wake time.
	now = start.Add(35 * time.Minute)
	m.Tick()

	m.mu.Lock()
	periodStart := m.minds["ada"].PeriodStart
	m.mu.Unlock()
	if want := start.Add(30 * time.Minute); !periodStart.Equal(want) {
		t.Errorf("periodStart = %v, want %v", periodStart, want)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	cfg := testConfig(t)

	m := NewManager(cfg, nil)
	if err := m.SetBudget("ada", 500, 60); err != nil {
		t.Fatal(err)
	}
	m.RecordUsage("ada", 123, 45)
	m.Enqueue("ada", textMsg("held"))
	m.Flush()

	m2 := NewManager(cfg, nil)
	limit, period, used, ok := m2.Budget("ada")
	if !ok {
		t.Fatal("budget missing after reload")
	}
	if limit != 500 || period != 60 || used != 168 {
		t.Errorf("reloaded budget = (%d, %d, %d)", limit, period, used)
	}
	if got := m2.Drain("ada"); len(got) != 1 || protocol.FirstText(got[0].Content) != "held" {
		t.Errorf("reloaded queue = %+v", got)
	}
}

func TestRemoveBudget(t *testing.T) {
	cfg := testConfig(t)
	m := NewManager(cfg, nil)
	if err := m.SetBudget("ada", 100, 60); err != nil {
		t.Fatal(err)
	}
	m.Flush()
	m.RemoveBudget("ada")

	if _, _, _, ok := m.Budget("ada"); ok {
		t.Error("budget survived removal")
	}
	m2 := NewManager(cfg, nil)
	if _, _, _, ok := m2.Budget("ada"); ok {
		t.Error("state file survived removal")
	}
}
