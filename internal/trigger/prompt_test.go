package trigger

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-trigger/internal/inference"
	"github.com/nerrad567/gray-logic-trigger/internal/media"
	"github.com/nerrad567/gray-logic-trigger/internal/mirror"
)

func TestBuildConditionMessages_ImagesAndStates(t *testing.T) {
	seq := &media.Sequence{CameraID: "cam1", Frames: []media.Frame{
		{Data: []byte("one"), MIME: "image/jpeg"},
		{Data: []byte("two"), MIME: "image/jpeg"},
	}}
	states := map[string]DeviceState{
		"binary_sensor.door": {
			State: mirror.EntityState{
				EntityID: "binary_sensor.door",
				Value:    "on",
				Attributes: map[string]any{
					"friendly_name": "Front Door",
					"icon":          "mdi:door",
					"device_class":  "door",
				},
			},
			TriggerSource: true,
		},
		"light.hall": {
			State: mirror.EntityState{EntityID: "light.hall", Value: "off"},
		},
	}
	now := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)

	msgs := BuildConditionMessages(seq, "the door is open", LanguageEnglish, states, now)
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != inference.RoleSystem {
		t.Errorf("first role = %q, want system", msgs[0].Role)
	}

	parts, ok := msgs[1].Content.([]inference.Part)
	if !ok {
		t.Fatalf("user content type = %T", msgs[1].Content)
	}
	// prefix, two images, states, question
	if len(parts) != 5 {
		t.Fatalf("len(parts) = %d, want 5", len(parts))
	}
	if parts[1].Type != "image_url" || !strings.HasPrefix(parts[1].ImageURL.URL, "data:image/jpeg;base64,") {
		t.Errorf("image part = %+v", parts[1])
	}

	stateText := parts[3].Text
	for _, want := range []string{
		"Current System Time: 2026-03-01T08:30:00Z",
		"- Front Door (binary_sensor.door) [TRIGGER SOURCE]: State=on, Attributes=[device_class=door]",
		"- light.hall (light.hall): State=off\n",
	} {
		if !strings.Contains(stateText, want) {
			t.Errorf("state text missing %q:\n%s", want, stateText)
		}
	}
	if strings.Contains(stateText, "mdi:door") {
		t.Error("ignored attribute leaked into prompt")
	}
	if !strings.Contains(parts[4].Text, "the door is open") {
		t.Errorf("question = %q", parts[4].Text)
	}
}

func TestBuildConditionMessages_TextOnly(t *testing.T) {
	msgs := BuildConditionMessages(nil, "条件", LanguageChinese, nil, time.Now())
	parts := msgs[1].Content.([]inference.Part)
	if len(parts) != 1 {
		t.Fatalf("len(parts) = %d, want only the question", len(parts))
	}
	if !strings.Contains(parts[0].Text, "条件") {
		t.Errorf("question = %q", parts[0].Text)
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
		wantErr bool
	}{
		{"yes", `{"result": "yes"}`, true, false},
		{"no", `{"result": "no"}`, false, false},
		{"wrapped in prose", "Looking at the frames...\n```json\n{\"result\": \"yes\"}\n```\nDone.", true, false},
		{"uppercase is not yes", `{"result": "YES"}`, false, false},
		{"boolean is not yes", `{"result": true}`, false, false},
		{"missing field", `{"answer": "yes"}`, false, false},
		{"no json", "yes, definitely", false, true},
		{"broken json", `{"result": "yes"`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVerdict(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseVerdict() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrEvaluation) {
				t.Errorf("error %v does not wrap ErrEvaluation", err)
			}
			if got != tt.want {
				t.Errorf("ParseVerdict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLanguage(t *testing.T) {
	if ParseLanguage("ZH") != LanguageChinese {
		t.Error("ZH not parsed as Chinese")
	}
	if ParseLanguage("") != LanguageEnglish || ParseLanguage("fr") != LanguageEnglish {
		t.Error("unknown language did not default to English")
	}
}
