package log

import (
	"strings"
	"testing"
)

func TestModuleGating(t *testing.T) {
	EnableModule(RegAllocMonitoring)
	defer DisableModule(RegAllocMonitoring)

	RecordLogs()
	Debug(RegAllocMonitoring, "bind preg", "preg", 3, "xreg", "r12")
	Debug(EmitMonitoring, "should not appear", "preg", 9)

	out, err := GetRecordedLogs()
	if err != nil {
		t.Fatalf("GetRecordedLogs: %v", err)
	}
	got := string(out)
	if !strings.Contains(got, "bind preg") {
		t.Fatalf("expected enabled module log to be recorded, got: %s", got)
	}
	if strings.Contains(got, "should not appear") {
		t.Fatalf("expected disabled module log to be filtered out, got: %s", got)
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	if err != nil {
		t.Fatalf("ParseLevel: %v", err)
	}
	if lvl != LevelDebug {
		t.Fatalf("got %v want %v", lvl, LevelDebug)
	}
	if _, err := ParseLevel("bogus"); err == nil {
		t.Fatalf("expected error for bogus level")
	}
}
