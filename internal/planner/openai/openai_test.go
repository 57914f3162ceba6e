package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/vocalis/internal/memory"
	"github.com/MrWong99/vocalis/internal/planner"
)

// fakeServer answers chat completions with content and records the last
// request body.
func fakeServer(t *testing.T, status int, content string, body *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		if body != nil {
			_ = json.Unmarshal(raw, body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = io.WriteString(w, `{"error":{"message":"boom","type":"server_error"}}`)
			return
		}
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPlan_ParsesAction(t *testing.T) {
	t.Parallel()
	var body map[string]any
	srv := fakeServer(t, http.StatusOK,
		`{"kind":"run","command":"go test ./...","reply":"Running the tests.","confidence":0.82,"requires_confirmation":true}`, &body)

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, err := p.Plan(context.Background(), planner.Request{
		Text:          "run the tests",
		SelectedFiles: []string{"main.go"},
		History:       []memory.TurnRecord{{User: "hi", Reply: "Hello."}},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if a.Kind != planner.KindRun || a.Command != "go test ./..." || a.Confidence != 0.82 || !a.RequiresConfirmation {
		t.Errorf("action = %+v", a)
	}

	if body["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", body["model"])
	}
	rf, _ := body["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Errorf("response_format = %v, want json_object", body["response_format"])
	}
	msgs, _ := body["messages"].([]any)
	// system, history user, history assistant, current request
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	last, _ := msgs[3].(map[string]any)
	content, _ := last["content"].(string)
	if !strings.Contains(content, "Selected files: main.go") || !strings.Contains(content, "Request: run the tests") {
		t.Errorf("user content = %q", content)
	}
}

func TestPlan_InvalidJSON(t *testing.T) {
	t.Parallel()
	srv := fakeServer(t, http.StatusOK, "I think you want to run tests", nil)
	p, _ := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/"))
	if _, err := p.Plan(context.Background(), planner.Request{Text: "x"}); err == nil {
		t.Fatal("expected error for non-JSON content")
	}
}

func TestPlan_ServerError(t *testing.T) {
	t.Parallel()
	srv := fakeServer(t, http.StatusInternalServerError, "", nil)
	p, _ := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/"))
	if _, err := p.Plan(context.Background(), planner.Request{Text: "x"}); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("sk-test", "gpt-4o", WithOrganization("org-1"), WithTimeout(0), WithTemperature(0.2)); err != nil {
		t.Errorf("unexpected error with valid options: %v", err)
	}
}
