package builtin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/picobot-run/picobot/internal/models"
	"github.com/picobot-run/picobot/internal/permission"
)

func TestReadWriteFileTool(t *testing.T) {
	dir := t.TempDir()
	tc := models.ToolContext{WorkingDir: dir}

	wt := NewWriteFileTool()
	input, _ := json.Marshal(map[string]string{"path": "note.txt", "content": "hello"})
	res, err := wt.Execute(context.Background(), tc, input)
	if err != nil || res.IsError {
		t.Fatalf("write_file failed: err=%v res=%+v", err, res)
	}

	data, err := os.ReadFile(filepath.Join(dir, "note.txt"))
	if err != nil || string(data) != "hello" {
		t.Fatalf("expected file written, got %q err=%v", data, err)
	}

	rt := NewReadFileTool()
	input, _ = json.Marshal(map[string]string{"path": "note.txt"})
	res, err = rt.Execute(context.Background(), tc, input)
	if err != nil || res.IsError {
		t.Fatalf("read_file failed: err=%v res=%+v", err, res)
	}
}

func TestReadFileTool_RejectsEscape(t *testing.T) {
	dir := t.TempDir()
	tc := models.ToolContext{WorkingDir: dir}
	rt := NewReadFileTool()
	input, _ := json.Marshal(map[string]string{"path": "../../etc/passwd"})
	res, err := rt.Execute(context.Background(), tc, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected path-escape error")
	}
}

func TestFileToolsRequiredPermissions(t *testing.T) {
	rt := NewReadFileTool()
	input, _ := json.Marshal(map[string]string{"path": "/tmp/a.txt"})
	perms, err := rt.RequiredPermissions(context.Background(), models.ToolContext{}, input)
	if err != nil {
		t.Fatalf("RequiredPermissions: %v", err)
	}
	if len(perms) != 1 || perms[0].String() != "filesystem:read:/tmp/a.txt" {
		t.Fatalf("got %v", perms)
	}
}

func TestExecTool_RunsCommand(t *testing.T) {
	et := NewExecTool()
	input, _ := json.Marshal(map[string]string{"command": "echo hi"})
	res, err := et.Execute(context.Background(), models.ToolContext{}, input)
	if err != nil || res.IsError {
		t.Fatalf("exec failed: err=%v res=%+v", err, res)
	}
}

func TestExecTool_PreExecutionPolicyFlagsDestructive(t *testing.T) {
	et := NewExecTool()
	input, _ := json.Marshal(map[string]string{"command": "rm -rf /"})
	decision, err := et.PreExecutionPolicy(context.Background(), models.ToolContext{}, input)
	if err != nil {
		t.Fatalf("PreExecutionPolicy: %v", err)
	}
	if decision.Decision != models.PolicyRequireApproval {
		t.Fatalf("expected RequireApproval, got %v", decision.Decision)
	}
}

type fakeMemoryStore struct {
	entries map[string][]MemoryEntry
}

func (f *fakeMemoryStore) UpsertMemoryContent(ctx context.Context, userID, key, content string, sourceSessionID *string) error {
	if f.entries == nil {
		f.entries = make(map[string][]MemoryEntry)
	}
	f.entries[userID] = append(f.entries[userID], MemoryEntry{Key: key, Content: content})
	return nil
}

func (f *fakeMemoryStore) RecentMemoryContents(ctx context.Context, userID string, limit int) ([]MemoryEntry, error) {
	return f.entries[userID], nil
}

func TestMemoryWriteReadTool(t *testing.T) {
	store := &fakeMemoryStore{}
	wt := NewMemoryWriteTool(store)
	rt := NewMemoryReadTool(store)

	userID := "u1"
	tc := models.ToolContext{UserID: &userID}

	input, _ := json.Marshal(map[string]string{"key": "favorite_color", "content": "blue", "scope": "user"})
	res, err := wt.Execute(context.Background(), tc, input)
	if err != nil || res.IsError {
		t.Fatalf("memory_write failed: err=%v res=%+v", err, res)
	}

	perms, err := wt.RequiredPermissions(context.Background(), tc, input)
	if err != nil || len(perms) != 1 || perms[0].(permission.MemoryWrite).Scope != permission.ScopeUser {
		t.Fatalf("RequiredPermissions = %v, err=%v", perms, err)
	}

	readInput, _ := json.Marshal(map[string]any{"scope": "user", "limit": 10})
	res, err = rt.Execute(context.Background(), tc, readInput)
	if err != nil || res.IsError {
		t.Fatalf("memory_read failed: err=%v res=%+v", err, res)
	}
}

func TestMemoryWriteTool_RequiresUserContext(t *testing.T) {
	wt := NewMemoryWriteTool(&fakeMemoryStore{})
	input, _ := json.Marshal(map[string]string{"key": "k", "content": "v", "scope": "user"})
	res, err := wt.Execute(context.Background(), models.ToolContext{}, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected error without user context")
	}
}

type fakeNotificationSink struct {
	lastChannel, lastUser string
}

func (f *fakeNotificationSink) Enqueue(ctx context.Context, channelID, userID string, payload any) (string, error) {
	f.lastChannel, f.lastUser = channelID, userID
	return "delivery-1", nil
}

func TestNotifyTool(t *testing.T) {
	sink := &fakeNotificationSink{}
	userID := "u1"
	tc := models.ToolContext{Notifications: sink, UserID: &userID}
	nt := NewNotifyTool()

	input, _ := json.Marshal(map[string]string{"channel": "slack", "message": "done"})
	res, err := nt.Execute(context.Background(), tc, input)
	if err != nil || res.IsError {
		t.Fatalf("notify failed: err=%v res=%+v", err, res)
	}
	if sink.lastChannel != "slack" || sink.lastUser != "u1" {
		t.Fatalf("sink got channel=%q user=%q", sink.lastChannel, sink.lastUser)
	}
}

type fakeScheduler struct {
	created ScheduleJobRequest
}

func (f *fakeScheduler) CreateJob(ctx context.Context, req any) (any, error) {
	f.created = req.(ScheduleJobRequest)
	return map[string]string{"id": "job-1"}, nil
}

func (f *fakeScheduler) CancelJob(ctx context.Context, jobID string) error {
	return nil
}

func TestScheduleTool_Create(t *testing.T) {
	sched := &fakeScheduler{}
	userID := "u1"
	tc := models.ToolContext{Scheduler: sched, UserID: &userID, ExecutionMode: models.ModeUser}
	st := NewScheduleTool()

	input, _ := json.Marshal(map[string]string{
		"action":        "create",
		"name":          "daily check-in",
		"schedule_type": "interval",
		"schedule_expr": "3600",
		"task_prompt":   "check in with the user",
	})
	res, err := st.Execute(context.Background(), tc, input)
	if err != nil || res.IsError {
		t.Fatalf("schedule create failed: err=%v res=%+v", err, res)
	}
	if sched.created.UserID != "u1" {
		t.Fatalf("expected job created for u1, got %q", sched.created.UserID)
	}
}

func TestScheduleTool_IdentityOverrideOnlyForPrivilegedModes(t *testing.T) {
	sched := &fakeScheduler{}
	userID := "u1"
	tc := models.ToolContext{Scheduler: sched, UserID: &userID, ExecutionMode: models.ModeUser}
	st := NewScheduleTool()

	input, _ := json.Marshal(map[string]any{
		"action":        "create",
		"schedule_type": "once",
		"schedule_expr": "now",
		"task_prompt":   "x",
		"user_id":       "someone-else",
	})
	if _, err := st.Execute(context.Background(), tc, input); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sched.created.UserID != "u1" {
		t.Fatalf("ModeUser must not honor user_id override, got %q", sched.created.UserID)
	}

	tc.ExecutionMode = models.ModeAdmin
	st.Execute(context.Background(), tc, input)
	if sched.created.UserID != "someone-else" {
		t.Fatalf("ModeAdmin should honor user_id override, got %q", sched.created.UserID)
	}
}
