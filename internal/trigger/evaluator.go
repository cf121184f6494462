package trigger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-trigger/internal/inference"
	"github.com/nerrad567/gray-logic-trigger/internal/media"
)

// Channel is the frame sequence and motion flag of one camera channel
// captured for a cycle.
type Channel struct {
	Motion bool
	// Seq is nil when the channel had no frames.
	Seq *media.Sequence
}

// CameraFrames holds every channel of one camera for a cycle.
type CameraFrames struct {
	Camera   media.Camera
	Channels map[int]Channel
}

// FrameSet is the camera data of one cycle, keyed by camera id.
type FrameSet map[string]*CameraFrames

// Lookup returns the captured channel, if any.
func (f FrameSet) Lookup(cameraID string, channel int) (Channel, bool) {
	cam, ok := f[cameraID]
	if !ok {
		return Channel{}, false
	}
	ch, ok := cam.Channels[channel]
	return ch, ok
}

// Evaluator turns a rule plus a cycle's inputs into condition results.
type Evaluator struct {
	frames        media.FrameSource
	motion        media.MotionFunc
	imagesPerCall int
	lang          Language
	now           func() time.Time
	logger        Logger
}

// NewEvaluator creates an evaluator. frames may be nil when no cameras are
// configured.
func NewEvaluator(frames media.FrameSource, motion media.MotionFunc, imagesPerCall int, lang Language) *Evaluator {
	if imagesPerCall <= 0 {
		imagesPerCall = 1
	}
	return &Evaluator{
		frames:        frames,
		motion:        motion,
		imagesPerCall: imagesPerCall,
		lang:          lang,
		now:           time.Now,
		logger:        noopLogger{},
	}
}

// SetLogger sets the evaluator's logger.
func (e *Evaluator) SetLogger(logger Logger) {
	e.logger = logger
}

// PrepareCameras fetches the recent frames of every channel of the given
// cameras and runs the motion check on each. Unknown cameras are left out.
func (e *Evaluator) PrepareCameras(ctx context.Context, cameraIDs []string) FrameSet {
	set := make(FrameSet)
	if len(cameraIDs) == 0 || e.frames == nil {
		return set
	}

	cams, err := e.frames.Cameras(ctx)
	if err != nil {
		e.logger.Error("listing cameras failed", "error", err)
		return set
	}

	for _, id := range cameraIDs {
		cam, ok := cams[id]
		if !ok {
			continue
		}
		if _, done := set[id]; done {
			continue
		}

		count := cam.Channels
		if count <= 0 {
			count = 1
		}
		cf := &CameraFrames{Camera: cam, Channels: make(map[int]Channel, count)}
		for ch := 0; ch < count; ch++ {
			seq, err := e.frames.Recent(ctx, id, ch, e.imagesPerCall)
			if err != nil {
				e.logger.Warn("reading camera frames failed", "camera_id", id, "channel", ch, "error", err)
				seq = nil
			}
			if seq.Len() == 0 {
				seq = nil
			}
			cf.Channels[ch] = Channel{Motion: media.HasMotion(seq, e.motion), Seq: seq}
		}
		set[id] = cf
	}
	return set
}

type evalCall struct {
	camera *CameraFrames
	ch     int
	seq    *media.Sequence
}

// Evaluate runs the rule's condition against its cameras and device states.
//
// Every channel without frames yields a false record. Each channel with
// frames gets one concurrent inference call; a rule whose cameras produced
// nothing to look at but which declares devices gets a single device-only
// call. Calls that fail or return unparseable output are logged and
// contribute no record. The second return value counts them.
func (e *Evaluator) Evaluate(ctx context.Context, rule *Rule, proxy inference.Proxy, frames FrameSet, states map[string]DeviceState) ([]ConditionResult, int) {
	var results []ConditionResult
	var calls []evalCall

	for _, camID := range rule.Cameras {
		cam, ok := frames[camID]
		if !ok {
			continue
		}
		for _, ch := range sortedChannels(cam) {
			c := cam.Channels[ch]
			if c.Seq.Len() == 0 {
				results = append(results, ConditionResult{
					CameraID:   cam.Camera.ID,
					CameraName: cam.Camera.Name,
					Channel:    ch,
					Result:     false,
				})
				continue
			}
			calls = append(calls, evalCall{camera: cam, ch: ch, seq: c.Seq})
		}
	}

	if len(calls) == 0 && len(rule.Devices) > 0 {
		calls = append(calls, evalCall{})
	}
	if len(calls) == 0 {
		return results, 0
	}

	verdicts := make([]*ConditionResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call evalCall) {
			defer wg.Done()
			verdicts[i] = e.call(ctx, rule, proxy, call, states)
		}(i, call)
	}
	wg.Wait()

	failed := 0
	for _, v := range verdicts {
		if v == nil {
			failed++
			continue
		}
		results = append(results, *v)
	}
	return results, failed
}

func (e *Evaluator) call(ctx context.Context, rule *Rule, proxy inference.Proxy, call evalCall, states map[string]DeviceState) (res *ConditionResult) {
	camID := ""
	if call.camera != nil {
		camID = call.camera.Camera.ID
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("inference call panicked", "rule_id", rule.ID, "camera_id", camID, "panic", r)
			res = nil
		}
	}()

	msgs := BuildConditionMessages(call.seq, rule.Condition, e.lang, states, e.now())
	resp, err := proxy.Call(ctx, msgs)
	if err != nil {
		e.logger.Error("inference call failed", "rule_id", rule.ID, "camera_id", camID, "channel", call.ch, "error", err)
		return nil
	}
	if resp.Content == "" {
		e.logger.Warn("inference returned empty content", "rule_id", rule.ID, "camera_id", camID)
		return nil
	}

	ok, err := ParseVerdict(resp.Content)
	if err != nil {
		e.logger.Warn("unparseable condition result", "rule_id", rule.ID, "camera_id", camID, "content", resp.Content, "error", err)
		return nil
	}

	e.logger.Debug("condition evaluated", "rule_id", rule.ID, "camera_id", camID, "channel", call.ch, "result", ok)
	cr := &ConditionResult{Channel: call.ch, Result: ok}
	if call.camera != nil {
		cr.CameraID = call.camera.Camera.ID
		cr.CameraName = call.camera.Camera.Name
	}
	return cr
}

func sortedChannels(cam *CameraFrames) []int {
	chs := make([]int, 0, len(cam.Channels))
	for ch := range cam.Channels {
		chs = append(chs, ch)
	}
	sort.Ints(chs)
	return chs
}

// subset returns the cameras of f named in ids.
func (f FrameSet) subset(ids []string) FrameSet {
	out := make(FrameSet, len(ids))
	for _, id := range ids {
		if cam, ok := f[id]; ok {
			out[id] = cam
		}
	}
	return out
}
