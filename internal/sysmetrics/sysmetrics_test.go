package sysmetrics

import "testing"

func TestCPUPercentNonNegative(t *testing.T) {
	if pct := CPUPercent(); pct < 0 {
		t.Errorf("CPUPercent returned %f, want >= 0", pct)
	}
}

func TestMemoryInusePositive(t *testing.T) {
	if mem := MemoryInuse(); mem <= 0 {
		t.Errorf("MemoryInuse returned %d, want > 0", mem)
	}
}

func TestDiskUsage(t *testing.T) {
	free, total, err := DiskUsage(t.TempDir())
	if err != nil {
		t.Fatalf("DiskUsage: %v", err)
	}
	if total == 0 {
		t.Fatal("total bytes is zero")
	}
	if free > total {
		t.Errorf("free %d exceeds total %d", free, total)
	}

	pct, err := DiskFreePercent(t.TempDir())
	if err != nil {
		t.Fatalf("DiskFreePercent: %v", err)
	}
	if pct < 0 || pct > 100 {
		t.Errorf("DiskFreePercent = %f, want 0..100", pct)
	}
}
