package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tracebeam/dbpf/internal/agg"
	"github.com/tracebeam/dbpf/internal/diag"
)

type fakeCPUSource struct {
	samples []agg.Sample
	err     error
}

func (f *fakeCPUSource) Drain() ([]agg.Sample, error) { return f.samples, f.err }

func TestDiagCollectorIncrementsCountersAndForwards(t *testing.T) {
	reg := NewRegistry()
	var forwarded int
	inner := &recordingHandler{onDrop: func() { forwarded++ }}
	c := NewDiagCollector(reg, inner)

	c.HandleDrop(&diag.Drop{Kind: diag.DropPrincipalBuffer, CPU: 0, Count: 3})
	c.HandleFault(&diag.RuntimeFault{Kind: diag.FaultDivZero})
	c.HandleStatus(&diag.Status{Kind: diag.StatusEnding})

	if got := testutil.ToFloat64(reg.dropsTotal.WithLabelValues(string(diag.DropPrincipalBuffer))); got != 1 {
		t.Fatalf("expected 1 recorded drop, got %v", got)
	}
	if got := testutil.ToFloat64(reg.faultsTotal.WithLabelValues(string(diag.FaultDivZero))); got != 1 {
		t.Fatalf("expected 1 recorded fault, got %v", got)
	}
	if got := testutil.ToFloat64(reg.statusesTotal.WithLabelValues(string(diag.StatusEnding))); got != 1 {
		t.Fatalf("expected 1 recorded status, got %v", got)
	}
	if forwarded != 1 {
		t.Fatalf("expected the inner handler to see exactly the drop, got %d forwards", forwarded)
	}
}

func TestTimeSnapRecordsHistogramSample(t *testing.T) {
	reg := NewRegistry()
	table := agg.NewTable()
	table.Declare(&agg.Descriptor{VarID: 1, Sig: agg.Signature{Kind: agg.KindCount}})

	if err := reg.TimeSnap(table, &fakeCPUSource{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := testutil.CollectAndCount(reg.aggSnapSeconds); got != 1 {
		t.Fatalf("expected 1 histogram observation, got %d", got)
	}
}

func TestObserveHTTPRequestLabelsByRouteAndCode(t *testing.T) {
	reg := NewRegistry()
	reg.ObserveHTTPRequest("/snapshot", 200)
	if got := testutil.ToFloat64(reg.httpRequestsTotal.WithLabelValues("/snapshot", "200")); got != 1 {
		t.Fatalf("expected 1 recorded request, got %v", got)
	}
}

func TestHandlerServesExposedMetrics(t *testing.T) {
	reg := NewRegistry()
	reg.ObserveHTTPRequest("/snapshot", 200)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected a non-empty metrics body")
	}
}

// recordingHandler is a minimal diag.Handler test double.
type recordingHandler struct {
	onDrop func()
}

func (*recordingHandler) HandleFault(*diag.RuntimeFault) diag.Action { return diag.ActionContinue }
func (h *recordingHandler) HandleDrop(*diag.Drop)                    { h.onDrop() }
func (*recordingHandler) HandleStatus(*diag.Status)                  {}
