package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/newsmesh/gpu-orchestrator/domain/registry"
	coreerrors "github.com/newsmesh/gpu-orchestrator/internal/errors"
)

func TestCallUnknownAgentReturnsNoAgent(t *testing.T) {
	r := NewRouter(New())

	_, err := r.Call(context.Background(), "ghost", "summarize", nil, nil, time.Second)
	svcErr := coreerrors.GetServiceError(err)
	if svcErr == nil || svcErr.Code != coreerrors.ErrCodeNoAgent {
		t.Fatalf("expected NoAgent, got %v", err)
	}
}

func TestCallUndeclaredToolReturnsNoTool(t *testing.T) {
	reg := New()
	reg.Register("agent-a", "http://localhost:9999", map[string]registry.ToolSpec{
		"summarize": {Name: "summarize"},
	})
	r := NewRouter(reg)

	_, err := r.Call(context.Background(), "agent-a", "translate", nil, nil, time.Second)
	svcErr := coreerrors.GetServiceError(err)
	if svcErr == nil || svcErr.Code != coreerrors.ErrCodeNoTool {
		t.Fatalf("expected NoTool, got %v", err)
	}
}

func TestCallDispatchesToAgentAddressAndReturnsResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body registry.CallRequest
		_ = json.NewDecoder(req.Body).Decode(&body)
		if body.Tool != "summarize" {
			t.Errorf("expected tool summarize in request body, got %q", body.Tool)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registry.CallResult{
			Values: map[string]registry.Value{"summary": {Kind: registry.KindString, String: "ok"}},
		})
	}))
	defer server.Close()

	reg := New()
	reg.Register("agent-a", server.URL, map[string]registry.ToolSpec{"summarize": {Name: "summarize"}})
	r := NewRouter(reg)

	result, err := r.Call(context.Background(), "agent-a", "summarize", map[string]registry.Value{
		"text": {Kind: registry.KindString, String: "hello"},
	}, nil, time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result.Values["summary"].String != "ok" {
		t.Errorf("expected summary value ok, got %+v", result.Values)
	}
}
