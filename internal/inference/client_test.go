package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nerrad567/gray-logic-trigger/internal/infrastructure/config"
)

func TestNewClient_NotConfigured(t *testing.T) {
	if _, err := NewClient(config.ModelConfig{BaseURL: "http://x"}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("NewClient() error = %v, want ErrNotConfigured", err)
	}
}

func TestClient_Call(t *testing.T) {
	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"result\":\"yes\"}"}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(config.ModelConfig{BaseURL: srv.URL + "/v1/", APIKey: "k", Model: "vision-1"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	resp, err := c.Call(context.Background(), []Message{
		{Role: RoleSystem, Content: "judge"},
		{Role: RoleUser, Content: []Part{TextPart("look"), ImagePart("data:image/png;base64,AA==")}},
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if resp.Content != `{"result":"yes"}` {
		t.Errorf("Content = %q", resp.Content)
	}
	if auth != "Bearer k" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.Model != "vision-1" || len(got.Messages) != 2 {
		t.Errorf("request = %+v", got)
	}
}

func TestClient_CallErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"server error", http.StatusInternalServerError, "overloaded", ErrBackend},
		{"bad json", http.StatusOK, "not json", ErrBackend},
		{"no choices", http.StatusOK, `{"choices":[]}`, ErrEmptyResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient(config.ModelConfig{BaseURL: srv.URL, Model: "m"})
			if err != nil {
				t.Fatalf("NewClient() error = %v", err)
			}
			if _, err := c.Call(context.Background(), nil); !errors.Is(err, tt.wantErr) {
				t.Errorf("Call() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare", `{"result":"yes"}`, `{"result":"yes"}`, false},
		{"prose around", `Sure! {"result": "no"} hope that helps`, `{"result": "no"}`, false},
		{"fenced", "```json\n{\"result\":\"yes\",\"reason\":\"door open\"}\n```", `{"result":"yes","reason":"door open"}`, false},
		{"braces in strings", `{"result":"yes","note":"a } b {"}`, `{"result":"yes","note":"a } b {"}`, false},
		{"nested", `x {"a":{"b":1}} y`, `{"a":{"b":1}}`, false},
		{"skip invalid first", `{oops} then {"result":"yes"}`, `{"result":"yes"}`, false},
		{"unterminated", `{"result":"yes"`, "", true},
		{"none", "the door is open", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ExtractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}
