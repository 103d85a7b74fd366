package toolregistry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/basket/agentcore/internal/shared"
)

const echoSchema = `{
	"type": "object",
	"properties": {"text": {"type": "string"}},
	"required": ["text"]
}`

func echoHandler(_ context.Context, input json.RawMessage) (any, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	return in.Text, nil
}

func TestRegisterAndInvoke(t *testing.T) {
	r := New()
	if err := r.Register("echo", "echoes text back", json.RawMessage(echoSchema), echoHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out, err := r.Invoke(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "hi" {
		t.Fatalf("got %v, want hi", out)
	}
}

func TestInvokeRejectsSchemaViolation(t *testing.T) {
	r := New()
	if err := r.Register("echo", "", json.RawMessage(echoSchema), echoHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := r.Invoke(context.Background(), "echo", json.RawMessage(`{}`))
	if !shared.Is(err, shared.KindInvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := New()
	if err := r.Register("echo", "", nil, echoHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register("echo", "", nil, echoHandler)
	if !shared.Is(err, shared.KindConflictState) {
		t.Fatalf("expected ConflictState, got %v", err)
	}
}

func TestRegisterRejectsInvalidName(t *testing.T) {
	r := New()
	err := r.Register("bad name!", "", nil, echoHandler)
	if !shared.Is(err, shared.KindInvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestInvokeUnknownToolReturnsNotFound(t *testing.T) {
	r := New()
	_, err := r.Invoke(context.Background(), "ghost", nil)
	if !shared.Is(err, shared.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestListIsSortedByName(t *testing.T) {
	r := New()
	_ = r.Register("zeta", "", nil, echoHandler)
	_ = r.Register("alpha", "", nil, echoHandler)
	names := r.List()
	if len(names) != 2 || names[0].Name != "alpha" || names[1].Name != "zeta" {
		t.Fatalf("unexpected order: %+v", names)
	}
}
