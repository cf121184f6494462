package metrics

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/gray-logic-trigger/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-trigger/internal/trigger"
)

// mockInflux captures written points.
type mockInflux struct {
	mu      sync.Mutex
	evals   []influxdb.Evaluation
	firings []influxdb.Firing
	dynamic []string
}

func (m *mockInflux) WriteEvaluation(e influxdb.Evaluation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evals = append(m.evals, e)
}

func (m *mockInflux) WriteFiring(f influxdb.Firing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firings = append(m.firings, f)
}

func (m *mockInflux) WriteDynamicRun(ruleID, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dynamic = append(m.dynamic, ruleID+":"+status)
}

func TestRecorder_EvaluationFinished(t *testing.T) {
	influx := &mockInflux{}
	r := New(influx)
	rule := &trigger.Rule{ID: "r1", Name: "Porch", Cameras: []string{"cam1"}}

	r.EvaluationFinished(rule, []trigger.ConditionResult{
		{CameraID: "cam1", Channel: 0, Result: true},
		{CameraID: "cam1", Channel: 1, Result: false},
	}, true, 1500*time.Millisecond)

	if got := testutil.ToFloat64(r.evaluations.WithLabelValues("camera", "true")); got != 1 {
		t.Errorf("evaluations{camera,true} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.verdicts.WithLabelValues("false")); got != 1 {
		t.Errorf("verdicts{false} = %v, want 1", got)
	}
	if len(influx.evals) != 1 {
		t.Fatalf("influx evaluations = %d, want 1", len(influx.evals))
	}
	e := influx.evals[0]
	if e.Modality != "vision" || e.Results != 2 || e.Positive != 1 || !e.Fired {
		t.Errorf("influx evaluation = %+v", e)
	}
}

func TestRecorder_ActionsAndDynamic(t *testing.T) {
	influx := &mockInflux{}
	r := New(influx)
	rule := &trigger.Rule{ID: "r1", Devices: []string{"dev"}}

	r.ActionsDispatched(rule, &trigger.ExecuteResult{
		Type:    trigger.ExecuteStatic,
		Actions: []trigger.ActionResult{{Success: true}, {Success: false}},
	})
	r.DynamicFinished(rule, trigger.StatusTimeout, 300*time.Second)

	if got := testutil.ToFloat64(r.actions.WithLabelValues("failure")); got != 1 {
		t.Errorf("actions{failure} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.dynamic.WithLabelValues("timeout")); got != 1 {
		t.Errorf("dynamic{timeout} = %v, want 1", got)
	}
	if len(influx.firings) != 1 || influx.firings[0].Failed != 1 || influx.firings[0].Actions != 2 {
		t.Errorf("influx firings = %+v", influx.firings)
	}
	if len(influx.dynamic) != 1 || influx.dynamic[0] != "r1:timeout" {
		t.Errorf("influx dynamic = %v", influx.dynamic)
	}
}

func TestRecorder_NilInflux(t *testing.T) {
	r := New(nil)
	rule := &trigger.Rule{ID: "r1"}
	r.EvaluationFinished(rule, nil, false, time.Second)
	r.ActionsDispatched(rule, &trigger.ExecuteResult{})
	r.DynamicFinished(rule, trigger.StatusDone, time.Second)
}

func TestRecorder_Handler(t *testing.T) {
	r := New(nil)
	r.Gauge("hub_connected", "Whether the hub session is live.", func() float64 { return 1 })
	r.EvaluationFinished(&trigger.Rule{ID: "r1", Devices: []string{"d"}}, nil, false, time.Second)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`graytrigger_evaluations_total{fired="false",kind="device"} 1`,
		"graytrigger_hub_connected 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
