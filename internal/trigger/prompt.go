package trigger

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-trigger/internal/inference"
	"github.com/nerrad567/gray-logic-trigger/internal/media"
	"github.com/nerrad567/gray-logic-trigger/internal/mirror"
)

// Language selects the prompt wording.
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageChinese Language = "zh"
)

// ParseLanguage maps a config value to a Language, defaulting to English.
func ParseLanguage(s string) Language {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "zh", "zh-cn", "chinese":
		return LanguageChinese
	default:
		return LanguageEnglish
	}
}

type promptSet struct {
	system        string
	imagePrefix   string
	conditionTmpl string
}

var prompts = map[Language]promptSet{
	LanguageEnglish: {
		system: `You watch a home through cameras and device states and decide whether a condition currently holds.
Judge only from the images and states given. When the evidence is unclear, answer "no".
Reply with a single JSON object and nothing else: {"result": "yes"} or {"result": "no"}.`,
		imagePrefix:   "The following images are consecutive frames from one camera, oldest first:",
		conditionTmpl: "Condition: %s\nDoes the condition hold right now? Answer with the JSON object only.",
	},
	LanguageChinese: {
		system: `你通过摄像头画面和设备状态观察家庭环境，判断给定条件当前是否成立。
只依据提供的图像和状态判断，证据不明确时回答 "no"。
只回复一个 JSON 对象，不要输出其他内容：{"result": "yes"} 或 {"result": "no"}。`,
		imagePrefix:   "以下图片是同一摄像头按时间顺序拍摄的连续画面：",
		conditionTmpl: "条件：%s\n该条件当前是否成立？只回复 JSON 对象。",
	},
}

func promptsFor(lang Language) promptSet {
	if p, ok := prompts[lang]; ok {
		return p
	}
	return prompts[LanguageEnglish]
}

// DeviceState is an entity state shown to the model.
type DeviceState struct {
	State mirror.EntityState
	// TriggerSource marks entities whose change started this cycle.
	TriggerSource bool
}

// ignoredAttributes are hub attributes that carry no meaning for a condition.
var ignoredAttributes = map[string]struct{}{
	"friendly_name":      {},
	"icon":               {},
	"entity_picture":     {},
	"supported_features": {},
	"context":            {},
}

// BuildConditionMessages assembles the system and user messages for one
// condition check. seq and states may each be empty.
func BuildConditionMessages(seq *media.Sequence, condition string, lang Language, states map[string]DeviceState, now time.Time) []inference.Message {
	p := promptsFor(lang)

	var parts []inference.Part
	if seq.Len() > 0 {
		parts = append(parts, inference.TextPart(p.imagePrefix))
		for _, f := range seq.Frames {
			parts = append(parts, inference.ImagePart(f.DataURL()))
		}
	}
	if len(states) > 0 {
		parts = append(parts, inference.TextPart(formatDeviceStates(states, now)))
	}
	parts = append(parts, inference.TextPart(fmt.Sprintf(p.conditionTmpl, condition)))

	return []inference.Message{
		{Role: inference.RoleSystem, Content: p.system},
		{Role: inference.RoleUser, Content: parts},
	}
}

func formatDeviceStates(states map[string]DeviceState, now time.Time) string {
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "\nCurrent System Time: %s\n\nCurrent Device States:\n", now.UTC().Format(time.RFC3339))
	for _, id := range ids {
		ds := states[id]
		fmt.Fprintf(&b, "- %s (%s)", ds.State.FriendlyName(), id)
		if ds.TriggerSource {
			b.WriteString(" [TRIGGER SOURCE]")
		}
		fmt.Fprintf(&b, ": State=%s", ds.State.Value)
		if attrs := formatAttributes(ds.State.Attributes); attrs != "" {
			fmt.Fprintf(&b, ", Attributes=[%s]", attrs)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func formatAttributes(attrs map[string]any) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		if _, skip := ignoredAttributes[k]; !skip {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, attrs[k]))
	}
	return strings.Join(pairs, ", ")
}

type verdict struct {
	Result any `json:"result"`
}

// ParseVerdict reads {"result": "yes"} out of a model reply. Only the
// exact string "yes" is true. A reply without a JSON object returns an
// error wrapping ErrEvaluation.
func ParseVerdict(content string) (bool, error) {
	raw, err := inference.ExtractJSON(content)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrEvaluation, err)
	}
	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return false, fmt.Errorf("%w: %w", ErrEvaluation, err)
	}
	s, ok := v.Result.(string)
	return ok && s == "yes", nil
}
