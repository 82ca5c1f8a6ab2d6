package debounce

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/zulandar/agentdesk/internal/coordinator"
	"github.com/zulandar/agentdesk/internal/db/dbtest"
	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type queued struct {
	kind    string
	payload Payload
	delay   time.Duration
}

type fakeQueue struct {
	tasks []queued
}

func (q *fakeQueue) Enqueue(_ context.Context, kind string, payload interface{}, delay time.Duration) (*models.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	q.tasks = append(q.tasks, queued{kind: kind, payload: p, delay: delay})
	return &models.Task{ID: uint(len(q.tasks)), Kind: kind}, nil
}

func coordinators(t *testing.T) map[string]coordinator.Coordinator {
	mr := miniredis.RunT(t)
	r := coordinator.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { r.Close() })
	return map[string]coordinator.Coordinator{
		"memory": coordinator.NewMemory(),
		"redis":  r,
	}
}

func seedAgent(t *testing.T, gdb *gorm.DB, settings datatypes.JSONMap, delay int) {
	t.Helper()
	acc := "acc1"
	lead := "lead1"
	rows := []interface{}{
		&models.Agent{ID: "agent1", WorkspaceID: "ws1", IntegrationAccountID: &acc, Status: models.AgentStatusActive, ResponseDelaySeconds: delay, Settings: settings},
		&models.Lead{ID: "lead1", WorkspaceID: "ws1", Phone: "120363025@g.us"},
		&models.Conversation{ID: "conv1", WorkspaceID: "ws1", LeadID: &lead, IntegrationAccountID: &acc},
	}
	for _, r := range rows {
		if err := gdb.Create(r).Error; err != nil {
			t.Fatalf("seed %T: %v", r, err)
		}
	}
}

func newScheduler(t *testing.T, gdb *gorm.DB, c coordinator.Coordinator) (*Scheduler, *fakeQueue) {
	t.Helper()
	q := &fakeQueue{}
	s, err := New(Opts{DB: gdb, Coordinator: c, Queue: q})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, q
}

func note(ext, text string) Notification {
	return Notification{
		WorkspaceID:          "ws1",
		IntegrationAccountID: "acc1",
		ConversationID:       "conv1",
		MessageRowID:         "row-" + ext,
		MessageExternalID:    ext,
		Text:                 text,
	}
}

func TestBurstCoalescesIntoOneInput(t *testing.T) {
	for name, c := range coordinators(t) {
		t.Run(name, func(t *testing.T) {
			gdb := dbtest.Open(t)
			seedAgent(t, gdb, nil, 8)
			s, q := newScheduler(t, gdb, c)
			ctx := context.Background()

			for i, text := range []string{"Hi", "are you open", "today?"} {
				out, err := s.Notify(ctx, note(string(rune('a'+i)), text))
				if err != nil {
					t.Fatalf("Notify: %v", err)
				}
				if out.Status != StatusBuffered || out.AgentID == nil || *out.AgentID != "agent1" {
					t.Errorf("outcome = %+v", out)
				}
			}
			if len(q.tasks) != 3 {
				t.Fatalf("tasks = %d, want 3", len(q.tasks))
			}
			for i, task := range q.tasks {
				if task.kind != TaskKind || task.delay != 8*time.Second {
					t.Errorf("task %d = %+v", i, task)
				}
				if task.payload.Version != int64(i+1) || task.payload.DelaySeconds != 8 {
					t.Errorf("task %d payload = %+v", i, task.payload)
				}
			}

			// Earlier flushes are stale and must leave the buffer alone.
			for _, task := range q.tasks[:2] {
				if input, ok, err := s.Flush(ctx, task.payload); err != nil || ok || input != "" {
					t.Errorf("stale Flush(v%d) = %q, %v, %v", task.payload.Version, input, ok, err)
				}
			}
			input, ok, err := s.Flush(ctx, q.tasks[2].payload)
			if err != nil || !ok {
				t.Fatalf("Flush = %v, %v", ok, err)
			}
			if want := "Hi\nare you open\ntoday?"; input != want {
				t.Errorf("input = %q, want %q", input, want)
			}

			// The keys are gone, so replaying the winning flush is a no-op.
			if _, ok, _ := s.Flush(ctx, q.tasks[2].payload); ok {
				t.Error("replayed flush ran again")
			}
		})
	}
}

func TestFlush_LateAppendWaitsForNextBurst(t *testing.T) {
	for name, c := range coordinators(t) {
		t.Run(name, func(t *testing.T) {
			gdb := dbtest.Open(t)
			seedAgent(t, gdb, nil, 8)
			s, q := newScheduler(t, gdb, c)
			ctx := context.Background()

			if _, err := s.Notify(ctx, note("a", "Hi")); err != nil {
				t.Fatalf("Notify: %v", err)
			}
			// A second notification bumps the version, then the flush for
			// that version drains before the text is appended.
			v, err := c.Incr(ctx, VersionKey("agent1", "conv1"), time.Minute)
			if err != nil {
				t.Fatalf("Incr: %v", err)
			}
			late := Payload{AgentID: "agent1", ConversationID: "conv1", Version: v, DelaySeconds: 8}
			input, ok, err := s.Flush(ctx, late)
			if err != nil || !ok || input != "Hi" {
				t.Fatalf("Flush = %q, %v, %v", input, ok, err)
			}
			item, _ := json.Marshal(entry{MessageRowID: "row-b", MessageExternalID: "b", Text: "are you open"})
			if err := c.Append(ctx, ListKey("agent1", "conv1"), string(item), time.Minute); err != nil {
				t.Fatalf("Append: %v", err)
			}

			if _, ok, _ := s.Flush(ctx, late); ok {
				t.Fatal("flush without a version key ran")
			}
			if _, err := s.Notify(ctx, note("c", "today?")); err != nil {
				t.Fatalf("Notify: %v", err)
			}
			input, ok, err = s.Flush(ctx, q.tasks[len(q.tasks)-1].payload)
			if err != nil || !ok {
				t.Fatalf("Flush = %v, %v", ok, err)
			}
			if want := "are you open\ntoday?"; input != want {
				t.Errorf("input = %q, want %q", input, want)
			}
		})
	}
}

func TestNotify_NoAgent(t *testing.T) {
	gdb := dbtest.Open(t)
	s, q := newScheduler(t, gdb, coordinator.NewMemory())
	out, err := s.Notify(context.Background(), note("a", "Hi"))
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if out.Status != StatusNoAgent || out.AgentID != nil || out.ConversationID != "conv1" {
		t.Errorf("outcome = %+v", out)
	}
	if len(q.tasks) != 0 {
		t.Errorf("tasks = %d, want 0", len(q.tasks))
	}
}

func TestNotify_Groups(t *testing.T) {
	tests := []struct {
		name     string
		settings datatypes.JSONMap
		want     string
	}{
		{"groups disabled", datatypes.JSONMap{}, StatusSkippedGroup},
		{"groups enabled without allowlist", datatypes.JSONMap{"enviar_para_grupos": true}, StatusBuffered},
		{"allowlisted after trimming", datatypes.JSONMap{
			"enviar_para_grupos": true,
			"grupos_permitidos":  []interface{}{" 120363025@g.us "},
		}, StatusBuffered},
		{"not on allowlist", datatypes.JSONMap{
			"enviar_para_grupos": true,
			"grupos_permitidos":  []interface{}{"999@g.us"},
		}, StatusSkippedGroup},
		{"empty allowlist blocks everything", datatypes.JSONMap{
			"enviar_para_grupos": true,
			"grupos_permitidos":  []interface{}{},
		}, StatusSkippedGroup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gdb := dbtest.Open(t)
			seedAgent(t, gdb, tt.settings, 30)
			s, q := newScheduler(t, gdb, coordinator.NewMemory())
			n := note("a", "Oi")
			n.IsGroup = true
			out, err := s.Notify(context.Background(), n)
			if err != nil {
				t.Fatalf("Notify: %v", err)
			}
			if out.Status != tt.want {
				t.Errorf("status = %q, want %q", out.Status, tt.want)
			}
			wantTasks := 0
			if tt.want == StatusBuffered {
				wantTasks = 1
			}
			if len(q.tasks) != wantTasks {
				t.Errorf("tasks = %d, want %d", len(q.tasks), wantTasks)
			}
		})
	}
}

func TestNotify_ClampsDelay(t *testing.T) {
	gdb := dbtest.Open(t)
	seedAgent(t, gdb, nil, 900)
	s, q := newScheduler(t, gdb, coordinator.NewMemory())
	if _, err := s.Notify(context.Background(), note("a", "Oi")); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if q.tasks[0].delay != 180*time.Second || q.tasks[0].payload.DelaySeconds != 180 {
		t.Errorf("task = %+v, want 180s", q.tasks[0])
	}
}

func TestJoin(t *testing.T) {
	mk := func(row, ext, text string) string {
		data, _ := json.Marshal(entry{MessageRowID: row, MessageExternalID: ext, Text: text})
		return string(data)
	}
	items := []string{
		mk("r1", "e1", "primeira"),
		mk("r1", "e1", "primeira de novo"),
		mk("r2", "", "  "),
		"not json",
		mk("r3", "", "terceira"),
		mk("r3", "", "terceira repetida"),
		mk("", "", "sem id"),
	}
	if got, want := Join(items), "primeira\nterceira\nsem id"; got != want {
		t.Errorf("Join = %q, want %q", got, want)
	}
	if got := Join(nil); got != "" {
		t.Errorf("Join(nil) = %q, want empty", got)
	}
}
