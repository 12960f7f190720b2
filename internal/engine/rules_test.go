package engine

import "testing"

func TestSessionRules(t *testing.T) {
	r := NewSessionRules()
	req := ApprovalRequest{ID: "1", Kind: "command", Command: "make test"}

	if _, ok := r.Lookup("t1", req); ok {
		t.Fatal("empty rules should not match")
	}
	r.Remember("t1", req, DecisionDecline)

	// A new request for the same command matches regardless of its ID.
	again := ApprovalRequest{ID: "2", Kind: "command", Command: "make test"}
	if d, ok := r.Lookup("t1", again); !ok || d != DecisionDecline {
		t.Errorf("Lookup = %q, %v; want decline, true", d, ok)
	}
	if _, ok := r.Lookup("t1", ApprovalRequest{Kind: "command", Command: "make lint"}); ok {
		t.Error("different command should not match")
	}
	if _, ok := r.Lookup("t2", again); ok {
		t.Error("rules must not cross sessions")
	}

	r.Forget("t1")
	if _, ok := r.Lookup("t1", again); ok {
		t.Error("Forget should drop the session's rules")
	}
}

func TestApprovalKey(t *testing.T) {
	if got := (ApprovalRequest{Kind: "fileChange"}).Key(); got != "fileChange" {
		t.Errorf("Key = %q", got)
	}
	if got := (ApprovalRequest{Kind: "command", Command: "ls"}).Key(); got != "command:ls" {
		t.Errorf("Key = %q", got)
	}
}

func TestToolCategoryExploring(t *testing.T) {
	for _, c := range []ToolCategory{ToolRead, ToolSearch, ToolList} {
		if !c.Exploring() {
			t.Errorf("%s should be exploring", c)
		}
	}
	for _, c := range []ToolCategory{ToolCommand, ToolFileChange, ToolMCP, ToolWebSearch, ToolOther} {
		if c.Exploring() {
			t.Errorf("%s should not be exploring", c)
		}
	}
}
