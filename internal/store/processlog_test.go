package store

import (
	"fmt"
	"strings"
	"testing"
)

func TestProcessLogRing(t *testing.T) {
	p := NewProcessLog(3)
	for i := 1; i <= 5; i++ {
		p.Append("s1", fmt.Sprintf("line %d", i))
	}
	lines := p.Lines("s1")
	if len(lines) != 3 {
		t.Fatalf("got %d lines", len(lines))
	}
	if lines[0] != "line 3" || lines[2] != "line 5" {
		t.Errorf("lines = %v", lines)
	}
}

func TestProcessLogRedacts(t *testing.T) {
	p := NewProcessLog(10)
	p.Append("s1", "auth failed for sk-ant-verysecret123456")
	lines := p.Lines("s1")
	if len(lines) != 1 || strings.Contains(lines[0], "verysecret") {
		t.Errorf("secret retained: %v", lines)
	}
}

func TestProcessLogIsolationAndClear(t *testing.T) {
	p := NewProcessLog(10)
	p.Append("a", "from a")
	p.Append("b", "from b")
	if len(p.Lines("a")) != 1 || len(p.Lines("b")) != 1 {
		t.Error("sessions not isolated")
	}
	p.Clear("a")
	if len(p.Lines("a")) != 0 {
		t.Error("clear did not drop lines")
	}
	if len(p.Lines("b")) != 1 {
		t.Error("clear leaked across sessions")
	}
}
