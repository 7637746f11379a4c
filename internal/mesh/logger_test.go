package mesh_test

import (
	"fmt"
	"testing"

	"meshstat/internal/mesh"
)

type captureLogger struct {
	lines []string
}

func (c *captureLogger) log(level, msg string, args []any) {
	c.lines = append(c.lines, fmt.Sprint(level, " ", msg, " ", args))
}

func (c *captureLogger) Debug(msg string, args ...any) { c.log("DEBUG", msg, args) }
func (c *captureLogger) Info(msg string, args ...any)  { c.log("INFO", msg, args) }
func (c *captureLogger) Warn(msg string, args ...any)  { c.log("WARN", msg, args) }
func (c *captureLogger) Error(msg string, args ...any) { c.log("ERROR", msg, args) }

func TestWithComponent(t *testing.T) {
	base := &captureLogger{}
	l := mesh.WithComponent(base, "gossip")

	l.Info("merged", "records", 3)
	l.Warn("dropped")

	want := []string{
		"INFO merged [component gossip records 3]",
		"WARN dropped [component gossip]",
	}
	if len(base.lines) != len(want) {
		t.Fatalf("got %d lines, want %d", len(base.lines), len(want))
	}
	for i := range want {
		if base.lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, base.lines[i], want[i])
		}
	}

	mesh.WithComponent(nil, "x").Error("ignored")
}
