package sysinfo

import (
	"context"
	"os"
	"testing"
)

func TestDiffComputesDeltas(t *testing.T) {
	prev := Snapshot{MemoryUsedMB: 1000, MemoryPercent: 40.0}
	cur := Snapshot{MemoryUsedMB: 1200, MemoryPercent: 48.5}

	d := cur.Diff(prev)
	if d.MemoryUsedMBDelta != 200 {
		t.Errorf("MemoryUsedMBDelta = %d, want 200", d.MemoryUsedMBDelta)
	}
	if d.MemoryPercentDelta != 8.5 {
		t.Errorf("MemoryPercentDelta = %v, want 8.5", d.MemoryPercentDelta)
	}
}

func TestDiffHandlesNegativeChange(t *testing.T) {
	prev := Snapshot{MemoryUsedMB: 1200}
	cur := Snapshot{MemoryUsedMB: 900}

	if got := cur.Diff(prev).MemoryUsedMBDelta; got != -300 {
		t.Errorf("MemoryUsedMBDelta = %d, want -300", got)
	}
}

func TestProcessRSSMBSelf(t *testing.T) {
	rss, err := ProcessRSSMB(context.Background(), int32(os.Getpid()))
	if err != nil {
		t.Skip("gopsutil cannot read own process:", err)
	}
	if rss == 0 {
		t.Fatal("expected nonzero RSS for the running test process")
	}
}

func TestProcessRSSMBUnknownPid(t *testing.T) {
	// A pid this large should not exist; NewProcessWithContext validates
	// existence via /proc so this returns an error rather than a
	// zero-value snapshot.
	_, err := ProcessRSSMB(context.Background(), 1<<30)
	if err == nil {
		t.Fatal("expected error for nonexistent pid")
	}
}
