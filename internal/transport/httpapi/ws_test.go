package httpapi

import (
	"encoding/json"
	"testing"
)

func TestClientFrameDecodesChatMessage(t *testing.T) {
	raw := []byte(`{"type":"chat","session_id":"s1","user_id":"u1","message":"hi","model":"gpt-4o"}`)
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != "chat" || frame.Message != "hi" || frame.Model != "gpt-4o" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestClientFrameDecodesPermissionDecision(t *testing.T) {
	raw := []byte(`{"type":"permission_decision","request_id":"r1","decision":"once"}`)
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != "permission_decision" || frame.RequestID != "r1" || frame.Decision != "once" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestServerFrameEncodesPermissionRequired(t *testing.T) {
	frame := serverFrame{Type: "permission_required", Tool: "shell", Permissions: []string{"shell:exec"}, RequestID: "r1"}
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "permission_required" || decoded["tool"] != "shell" || decoded["request_id"] != "r1" {
		t.Fatalf("unexpected encoded frame: %v", decoded)
	}
	if _, ok := decoded["response"]; ok {
		t.Fatalf("expected omitempty response field to be absent, got %v", decoded)
	}
}

func TestWSConnDeliversPermissionDecisionToWaiter(t *testing.T) {
	c := &wsConn{pendingPermissions: make(map[string]chan string)}
	reply := make(chan string, 1)
	c.permMu.Lock()
	c.pendingPermissions["r1"] = reply
	c.permMu.Unlock()

	c.deliverPermissionDecision("r1", "session")

	select {
	case got := <-reply:
		if got != "session" {
			t.Fatalf("expected %q, got %q", "session", got)
		}
	default:
		t.Fatal("expected the decision to be delivered to the waiting channel")
	}
}

func TestWSConnIgnoresUnknownPermissionRequestID(t *testing.T) {
	c := &wsConn{pendingPermissions: make(map[string]chan string)}
	c.deliverPermissionDecision("missing", "once") // must not panic
}
