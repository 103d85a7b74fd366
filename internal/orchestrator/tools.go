package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/memory"
	"github.com/basket/agentcore/internal/taskengine"
	"github.com/basket/agentcore/internal/toolregistry"
)

// Tools returns a registry exposing the orchestrator's operations as
// schema-validated tools, the catalog an RPC surface serves. The registry
// is built fresh per call; callers hold onto it for the process lifetime.
func (o *Orchestrator) Tools() (*toolregistry.Registry, error) {
	r := toolregistry.New()

	type entry struct {
		name, desc string
		schema     string
		handler    toolregistry.Handler
	}
	entries := []entry{
		{
			name: "task/create",
			desc: "Create a task; returns its id.",
			schema: `{
				"type": "object",
				"required": ["type", "description"],
				"properties": {
					"type":        {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"priority":    {"type": "integer", "minimum": 1, "maximum": 10},
					"dependencies": {"type": "array", "items": {"type": "string"}},
					"tags":         {"type": "array", "items": {"type": "string"}},
					"required_capabilities": {"type": "array", "items": {"type": "string"}},
					"timeout_ms":   {"type": "integer", "minimum": 0},
					"max_retries":  {"type": "integer", "minimum": 0}
				}
			}`,
			handler: o.toolTaskCreate,
		},
		{
			name: "task/cancel",
			desc: "Cancel a task, optionally cascading to dependents.",
			schema: `{
				"type": "object",
				"required": ["id"],
				"properties": {
					"id":      {"type": "string", "minLength": 1},
					"reason":  {"type": "string"},
					"cascade": {"type": "boolean"}
				}
			}`,
			handler: o.toolTaskCancel,
		},
		{
			name: "task/get",
			desc: "Fetch one task by id.",
			schema: `{
				"type": "object",
				"required": ["id"],
				"properties": {"id": {"type": "string", "minLength": 1}}
			}`,
			handler: o.toolTaskGet,
		},
		{
			name: "memory/remember",
			desc: "Store a memory entry for an agent.",
			schema: `{
				"type": "object",
				"required": ["agent", "type", "content"],
				"properties": {
					"agent":       {"type": "string", "minLength": 1},
					"type":        {"type": "string", "enum": ["knowledge", "result", "state", "communication", "error"]},
					"content":     {"type": "string"},
					"tags":        {"type": "array", "items": {"type": "string"}},
					"priority":    {"type": "integer", "minimum": 1, "maximum": 10},
					"share_level": {"type": "string", "enum": ["private", "team", "public"]}
				}
			}`,
			handler: o.toolMemoryRemember,
		},
		{
			name: "knowledge/search",
			desc: "Substring search over knowledge-base entries.",
			schema: `{
				"type": "object",
				"required": ["query"],
				"properties": {
					"query":     {"type": "string", "minLength": 1},
					"domain":    {"type": "string"},
					"expertise": {"type": "string"}
				}
			}`,
			handler: o.toolKnowledgeSearch,
		},
	}

	for _, e := range entries {
		if err := r.Register(e.name, e.desc, json.RawMessage(e.schema), e.handler); err != nil {
			return nil, fmt.Errorf("register %s: %w", e.name, err)
		}
	}
	return r, nil
}

func (o *Orchestrator) toolTaskCreate(ctx context.Context, input json.RawMessage) (any, error) {
	var in struct {
		Type                 string   `json:"type"`
		Description          string   `json:"description"`
		Priority             int      `json:"priority"`
		Dependencies         []string `json:"dependencies"`
		Tags                 []string `json:"tags"`
		RequiredCapabilities []string `json:"required_capabilities"`
		TimeoutMS            int      `json:"timeout_ms"`
		MaxRetries           int      `json:"max_retries"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	id, err := o.CreateTask(ctx, taskengine.Spec{
		Type:                 in.Type,
		Description:          in.Description,
		Priority:             in.Priority,
		Dependencies:         in.Dependencies,
		Tags:                 in.Tags,
		RequiredCapabilities: in.RequiredCapabilities,
		Timeout:              time.Duration(in.TimeoutMS) * time.Millisecond,
		MaxRetries:           in.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": id}, nil
}

func (o *Orchestrator) toolTaskCancel(ctx context.Context, input json.RawMessage) (any, error) {
	var in struct {
		ID      string `json:"id"`
		Reason  string `json:"reason"`
		Cascade bool   `json:"cascade"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	if err := o.CancelTask(ctx, in.ID, in.Reason, in.Cascade); err != nil {
		return nil, err
	}
	return map[string]string{"id": in.ID, "status": "cancelled"}, nil
}

func (o *Orchestrator) toolTaskGet(ctx context.Context, input json.RawMessage) (any, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	return o.GetTask(in.ID)
}

func (o *Orchestrator) toolMemoryRemember(ctx context.Context, input json.RawMessage) (any, error) {
	var in struct {
		Agent      string   `json:"agent"`
		Type       string   `json:"type"`
		Content    string   `json:"content"`
		Tags       []string `json:"tags"`
		Priority   int      `json:"priority"`
		ShareLevel string   `json:"share_level"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	level := memory.ShareLevel(strings.ToLower(in.ShareLevel))
	if in.ShareLevel == "" {
		level = memory.SharePrivate
	}
	return o.Remember(in.Agent, memory.EntryType(in.Type), in.Content, in.Tags, in.Priority, level, nil)
}

func (o *Orchestrator) toolKnowledgeSearch(ctx context.Context, input json.RawMessage) (any, error) {
	var in struct {
		Query     string `json:"query"`
		Domain    string `json:"domain"`
		Expertise string `json:"expertise"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	return o.SearchKnowledge(in.Query, in.Domain, in.Expertise), nil
}
