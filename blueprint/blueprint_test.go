package blueprint

import "testing"

func TestIdentity_SameContentSameID(t *testing.T) {
	b1 := &Blueprint{SchemaVersion: SchemaVersion, Nodes: []NodeSpec{
		{ID: "n1", Kind: KindTool, Payload: map[string]any{"tool_name": "echo", "tool_args": map[string]any{"msg": "hi"}}},
	}}
	b2 := &Blueprint{SchemaVersion: SchemaVersion, Nodes: []NodeSpec{
		{ID: "n1", Kind: KindTool, Payload: map[string]any{"tool_name": "echo", "tool_args": map[string]any{"msg": "hi"}}},
	}}

	id1, err := b1.Identity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	id2, err := b2.Identity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected identical content to hash identically, got %s != %s", id1, id2)
	}
}

func TestIdentity_DifferentContentDifferentID(t *testing.T) {
	b1 := &Blueprint{SchemaVersion: SchemaVersion, Nodes: []NodeSpec{
		{ID: "n1", Kind: KindTool, Payload: map[string]any{"tool_name": "echo", "tool_args": map[string]any{"msg": "hi"}}},
	}}
	b2 := &Blueprint{SchemaVersion: SchemaVersion, Nodes: []NodeSpec{
		{ID: "n1", Kind: KindTool, Payload: map[string]any{"tool_name": "echo", "tool_args": map[string]any{"msg": "bye"}}},
	}}

	id1, _ := b1.Identity()
	id2, _ := b2.Identity()
	if id1 == id2 {
		t.Fatalf("expected different content to hash differently")
	}
}

func TestIdentity_NodeOrderIndependent(t *testing.T) {
	b1 := &Blueprint{SchemaVersion: SchemaVersion, Nodes: []NodeSpec{
		{ID: "a", Kind: KindTool, Payload: map[string]any{"tool_name": "x", "tool_args": map[string]any{}}},
		{ID: "b", Kind: KindTool, Payload: map[string]any{"tool_name": "y", "tool_args": map[string]any{}}},
	}}
	b2 := &Blueprint{SchemaVersion: SchemaVersion, Nodes: []NodeSpec{
		{ID: "b", Kind: KindTool, Payload: map[string]any{"tool_name": "y", "tool_args": map[string]any{}}},
		{ID: "a", Kind: KindTool, Payload: map[string]any{"tool_name": "x", "tool_args": map[string]any{}}},
	}}
	id1, _ := b1.Identity()
	id2, _ := b2.Identity()
	if id1 != id2 {
		t.Fatalf("expected node-order independence, got %s != %s", id1, id2)
	}
}

func TestValidatePayload_ToolRejectsUnknownField(t *testing.T) {
	err := ValidatePayload(KindTool, map[string]any{
		"tool_name": "echo",
		"tool_args": map[string]any{},
		"bogus":     "field",
	})
	if err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestValidatePayload_ToolRequiresFields(t *testing.T) {
	err := ValidatePayload(KindTool, map[string]any{"tool_name": "echo"})
	if err == nil {
		t.Fatalf("expected missing tool_args to fail validation")
	}
}

func TestValidatePayload_ValidToolPasses(t *testing.T) {
	err := ValidatePayload(KindTool, map[string]any{
		"tool_name": "echo",
		"tool_args": map[string]any{"msg": "hi"},
	})
	if err != nil {
		t.Fatalf("expected valid payload to pass: %v", err)
	}
}
