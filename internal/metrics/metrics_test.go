package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGetIsSingleton(t *testing.T) {
	if Get() != Get() {
		t.Fatal("Get returned different instances")
	}
}

func TestCountersRecord(t *testing.T) {
	m := NewForRegistry(prometheus.NewRegistry())

	m.ReservationsTotal.WithLabelValues("held").Inc()
	m.ReservationsTotal.WithLabelValues("held").Inc()
	m.ReservationsTotal.WithLabelValues("insufficient").Inc()
	m.CreditsCaptured.Add(20)

	if got := testutil.ToFloat64(m.ReservationsTotal.WithLabelValues("held")); got != 2 {
		t.Errorf("held reservations: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ReservationsTotal.WithLabelValues("insufficient")); got != 1 {
		t.Errorf("insufficient reservations: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CreditsCaptured); got != 20 {
		t.Errorf("captured credits: got %v, want 20", got)
	}
}
