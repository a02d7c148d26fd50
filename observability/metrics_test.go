package observability

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSettlementMetricsRecord(t *testing.T) {
	m := Settlement()
	if Settlement() != m {
		t.Fatalf("expected a single registry")
	}

	before := testutil.ToFloat64(m.relayRequests.WithLabelValues("42220", "submitted"))
	m.RecordRelay(42220, " Submitted ", 2*time.Second)
	if got := testutil.ToFloat64(m.relayRequests.WithLabelValues("42220", "submitted")); got != before+1 {
		t.Fatalf("expected relay counter to advance, got %v", got)
	}

	before = testutil.ToFloat64(m.drawExecutions.WithLabelValues("unknown"))
	m.RecordDraw("")
	if got := testutil.ToFloat64(m.drawExecutions.WithLabelValues("unknown")); got != before+1 {
		t.Fatalf("expected empty outcome to be labelled unknown, got %v", got)
	}

	m.RecordPrize(big.NewInt(46_000_000))
	if got := testutil.ToFloat64(m.prizePool); got != 46_000_000 {
		t.Fatalf("expected prize gauge, got %v", got)
	}

	wei, _ := new(big.Int).SetString("50000000000000000", 10)
	m.RecordGasBalance(42220, wei)
	if got := testutil.ToFloat64(m.gasBalance.WithLabelValues("42220")); got != 5e16 {
		t.Fatalf("expected gas gauge, got %v", got)
	}
	m.RecordGasBalance(42220, nil)
	if got := testutil.ToFloat64(m.gasBalance.WithLabelValues("42220")); got != 0 {
		t.Fatalf("expected nil balance to read as zero, got %v", got)
	}
}

func TestNilSettlementMetricsAreSafe(t *testing.T) {
	var m *SettlementMetrics
	m.RecordRelay(1, "submitted", time.Second)
	m.RecordDraw("executed")
	m.RecordCollectionFailure()
	m.RecordPrize(big.NewInt(1))
	m.RecordGasBalance(1, big.NewInt(1))
	m.RecordTick("idle")
}
