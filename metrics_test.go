package vaultfs

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.chunks("encrypt", 3)
	m.authFailure("chunk")
	m.lockTimeout()
	m.unlock(true)
	m.observeKDF(KDFScrypt, time.Second)
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.chunks("encrypt", 3)
	m.chunks("decrypt", 2)
	m.chunks("decrypt", 0)
	m.authFailure("name")
	m.unlock(true)
	m.unlock(false)
	m.unlock(false)
	m.observeKDF(KDFScrypt, 50*time.Millisecond)

	if got := testutil.ToFloat64(m.Chunks.WithLabelValues("encrypt")); got != 3 {
		t.Errorf("chunks{encrypt} = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.Chunks.WithLabelValues("decrypt")); got != 2 {
		t.Errorf("chunks{decrypt} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.AuthFailures.WithLabelValues("name")); got != 1 {
		t.Errorf("auth_failures{name} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Unlocks.WithLabelValues("failed")); got != 2 {
		t.Errorf("unlock{failed} = %v, want 2", got)
	}
	if n := testutil.CollectAndCount(m.KDFDuration); n != 1 {
		t.Errorf("kdf_duration series = %d, want 1", n)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) == 0 {
		t.Error("nothing registered")
	}
}

func TestMetrics_Unregistered(t *testing.T) {
	m := NewMetrics(nil)
	m.lockTimeout()
	if got := testutil.ToFloat64(m.LockTimeouts); got != 1 {
		t.Errorf("lock_timeouts = %v, want 1", got)
	}
}
