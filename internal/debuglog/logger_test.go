package debuglog

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func fixedTrace(buf *bytes.Buffer, components ...string) *Trace {
	t := New(buf, components...)
	t.now = func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) }
	return t
}

func TestFor_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	Set(fixedTrace(&buf))
	defer Set(nil)

	For("selector")("%q -> %s", "fix typo", "local")

	want := `ts=09:30:00.000 component=selector msg="\"fix typo\" -> local"` + "\n"
	if buf.String() != want {
		t.Errorf("line = %q, want %q", buf.String(), want)
	}
}

func TestTrace_ComponentFilter(t *testing.T) {
	tests := []struct {
		name   string
		only   []string
		logged []string
	}{
		{"no filter", nil, []string{"selector", "dispatch", "plan"}},
		{"single", []string{"dispatch"}, []string{"dispatch"}},
		{"case and spaces", []string{" Plan ", "SELECTOR"}, []string{"selector", "plan"}},
		{"blank entries ignored", []string{"", " "}, []string{"selector", "dispatch", "plan"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tr := fixedTrace(&buf, tt.only...)
			for _, c := range []string{"selector", "dispatch", "plan"} {
				tr.Emit(c, "event")
			}
			out := buf.String()
			if got := strings.Count(out, "\n"); got != len(tt.logged) {
				t.Fatalf("wrote %d lines, want %d:\n%s", got, len(tt.logged), out)
			}
			for _, c := range tt.logged {
				if !strings.Contains(out, "component="+c+" ") {
					t.Errorf("missing %s line:\n%s", c, out)
				}
			}
		})
	}
}

func TestOpenForDir_WritesDecisionsFile(t *testing.T) {
	dir := t.TempDir()
	tr := OpenForDir(dir, "router")
	if tr == nil {
		t.Fatal("OpenForDir returned nil")
	}
	Set(tr)
	defer Set(nil)

	For("router")("routed %s", "t-1")
	For("plan")("filtered out")
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "logs", FileName))
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `component=trace msg="started `) {
		t.Errorf("missing start line:\n%s", out)
	}
	if !strings.Contains(out, `component=router msg="routed t-1"`) {
		t.Errorf("missing router line:\n%s", out)
	}
	if strings.Contains(out, "filtered out") {
		t.Errorf("plan line should be filtered:\n%s", out)
	}
}

func TestTrace_NilIsSafe(t *testing.T) {
	var tr *Trace
	tr.Emit("selector", "ignored")
	if tr.Enabled("selector") {
		t.Error("nil trace should not be enabled")
	}
	if err := tr.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}

	Set(nil)
	For("plan")("no trace installed")
}
