package diag

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestSinkInformDropsBelowMinLevel(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(&buf, Warning)

	sink.Inform(Info, false, "ignored")
	if buf.Len() != 0 {
		t.Errorf("expected Info to be dropped below a Warning minimum, got %q", buf.String())
	}

	sink.Inform(Error, false, "kept %d", 1)
	if !strings.Contains(buf.String(), "[ERROR] kept 1") {
		t.Errorf("expected an ERROR line, got %q", buf.String())
	}
}

func TestFromContextFallsBackToStdSink(t *testing.T) {
	got := FromContext(context.Background())
	if got == nil {
		t.Fatal("expected a non-nil fallback sink")
	}
}

func TestWithSinkRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(&buf, Debug)
	ctx := WithSink(context.Background(), sink)

	if got := FromContext(ctx); got != sink {
		t.Error("expected FromContext to return the sink installed by WithSink")
	}

	Inform(ctx, Info, false, "hello %s", "world")
	if !strings.Contains(buf.String(), "hello world") {
		t.Errorf("Inform via context did not reach the installed sink, got %q", buf.String())
	}
}

func TestClusterIndentsNestedLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(&buf, Debug)
	ctx := WithSink(context.Background(), sink)

	cl := NewCluster(ctx, "building", Info, false, false)
	Inform(ctx, Info, false, "compiling a.c")
	cl.Close()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if strings.HasPrefix(lines[0], "  ") {
		t.Errorf("cluster's own start line should not be indented: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "  ") {
		t.Errorf("line emitted inside the cluster should be indented: %q", lines[1])
	}
}

func TestClusterProgressEmitsDoneLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(&buf, Debug)
	ctx := WithSink(context.Background(), sink)

	cl := NewCluster(ctx, "linking", Info, true, false)
	cl.Close()

	if !strings.Contains(buf.String(), "linking done") {
		t.Errorf("expected a progress completion line, got %q", buf.String())
	}
}

func TestLevelString(t *testing.T) {
	cases := map[Level]string{Debug: "DEBUG", Info: "INFO", Warning: "WARNING", Error: "ERROR", Critical: "CRITICAL"}
	for level, want := range cases {
		if got := level.String(); got != want {
			t.Errorf("Level(%d).String() = %q, want %q", int(level), got, want)
		}
	}
}
