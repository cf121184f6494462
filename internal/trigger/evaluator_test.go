package trigger

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-trigger/internal/inference"
	"github.com/nerrad567/gray-logic-trigger/internal/media"
)

func alwaysMotion(_, _ []byte) bool { return true }

func TestEvaluator_PrepareCameras(t *testing.T) {
	frames := twoChannelCamera()
	frames.cameras["cam2"] = media.Camera{ID: "cam2", Name: "Garden"} // zero channels → one
	e := NewEvaluator(frames, alwaysMotion, 4, LanguageEnglish)

	set := e.PrepareCameras(context.Background(), []string{"cam1", "cam2", "cam-missing"})
	if len(set) != 2 {
		t.Fatalf("len(set) = %d, want 2", len(set))
	}
	if len(set["cam1"].Channels) != 2 {
		t.Errorf("cam1 channels = %d, want 2", len(set["cam1"].Channels))
	}
	ch, ok := set.Lookup("cam1", 1)
	if !ok || !ch.Motion || ch.Seq.Len() != 2 {
		t.Errorf("cam1/1 = %+v", ch)
	}
	ch, ok = set.Lookup("cam2", 0)
	if !ok || ch.Seq != nil || ch.Motion {
		t.Errorf("cam2/0 = %+v, want empty channel", ch)
	}
}

func TestEvaluator_PerChannelResults(t *testing.T) {
	frames := twoChannelCamera()
	e := NewEvaluator(frames, nil, 2, LanguageEnglish)
	rule := testRule("r1")
	rule.Cameras = []string{"cam1"}

	proxy := channelProxy(map[int]string{0: `{"result":"yes"}`, 1: `{"result":"no"}`}, "")
	set := e.PrepareCameras(context.Background(), rule.Cameras)
	results, failed := e.Evaluate(context.Background(), rule, proxy, set, nil)

	if failed != 0 {
		t.Errorf("failed = %d, want 0", failed)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Channel != 0 || !results[0].Result || results[0].CameraName != "Porch" {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].Channel != 1 || results[1].Result {
		t.Errorf("results[1] = %+v", results[1])
	}
	if proxy.callCount() != 2 {
		t.Errorf("calls = %d, want one per channel", proxy.callCount())
	}
}

func TestEvaluator_EmptyChannelsGetFalseRecords(t *testing.T) {
	frames := twoChannelCamera()
	frames.seqs["cam1"][1] = nil
	e := NewEvaluator(frames, nil, 2, LanguageEnglish)
	rule := testRule("r1")
	rule.Cameras = []string{"cam1"}

	proxy := constProxy(`{"result":"yes"}`)
	results, _ := e.Evaluate(context.Background(), rule, proxy, e.PrepareCameras(context.Background(), rule.Cameras), nil)

	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	var empty *ConditionResult
	for i := range results {
		if results[i].Channel == 1 {
			empty = &results[i]
		}
	}
	if empty == nil || empty.Result || len(empty.Images) != 0 {
		t.Errorf("empty channel record = %+v", empty)
	}
	if proxy.callCount() != 1 {
		t.Errorf("calls = %d, want 1", proxy.callCount())
	}
}

func TestEvaluator_NoFramesWithDevicesMakesOneCall(t *testing.T) {
	frames := twoChannelCamera()
	frames.seqs["cam1"] = map[int]*media.Sequence{}
	e := NewEvaluator(frames, nil, 2, LanguageEnglish)
	rule := testRule("r1")
	rule.Cameras = []string{"cam1"}
	rule.Devices = []string{"dev-1"}

	proxy := constProxy(`{"result":"yes"}`)
	results, _ := e.Evaluate(context.Background(), rule, proxy, e.PrepareCameras(context.Background(), rule.Cameras), nil)

	if proxy.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", proxy.callCount())
	}
	// two false channel records plus the device verdict
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if results[2].Key() != GlobalKey || !results[2].Result {
		t.Errorf("device verdict = %+v", results[2])
	}
}

func TestEvaluator_FailuresAreIsolated(t *testing.T) {
	frames := twoChannelCamera()
	e := NewEvaluator(frames, nil, 2, LanguageEnglish)
	rule := testRule("r1")
	rule.Cameras = []string{"cam1"}

	proxy := newMockProxy(func(msgs []inference.Message) (inference.Response, error) {
		for _, m := range msgs {
			parts, _ := m.Content.([]inference.Part)
			for _, p := range parts {
				if p.ImageURL != nil && p.ImageURL.URL == channelFrame(0).DataURL() {
					return inference.Response{}, errors.New("backend unavailable")
				}
			}
		}
		return inference.Response{Content: "I think so. {\"result\": \"yes\"}"}, nil
	})

	results, failed := e.Evaluate(context.Background(), rule, proxy, e.PrepareCameras(context.Background(), rule.Cameras), nil)
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if len(results) != 1 || results[0].Channel != 1 || !results[0].Result {
		t.Errorf("results = %+v, want only channel 1 true", results)
	}
}

func TestEvaluator_MalformedOutputContributesNothing(t *testing.T) {
	e := NewEvaluator(nil, nil, 1, LanguageEnglish)
	rule := testRule("r1")
	rule.Devices = []string{"dev-1"}

	results, failed := e.Evaluate(context.Background(), rule, constProxy("the door looks open"), nil, nil)
	if failed != 1 || len(results) != 0 {
		t.Errorf("results = %+v, failed = %d; want none and 1", results, failed)
	}
}

func TestEvaluator_UnboundRuleMakesNoCalls(t *testing.T) {
	e := NewEvaluator(nil, nil, 1, LanguageEnglish)
	proxy := constProxy(`{"result":"yes"}`)
	results, _ := e.Evaluate(context.Background(), testRule("r1"), proxy, nil, nil)
	if len(results) != 0 || proxy.callCount() != 0 {
		t.Errorf("results = %+v, calls = %d", results, proxy.callCount())
	}
}
