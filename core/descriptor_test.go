package core

import (
	"testing"
	"time"
)

func validDescriptor() *AgentDescriptor {
	return &AgentDescriptor{
		AgentType:          "ProductAgent",
		Version:            "1.2.0",
		Capabilities:       []Capability{{Name: "product.search"}},
		RoutingKey:         "agents.product.tasks",
		QueueGroup:         "product-agents",
		MaxConcurrentTasks: 4,
		Status:             StatusRegistered,
		RegisteredAt:       time.Now().UTC(),
	}
}

func TestAgentDescriptor_Validate(t *testing.T) {
	if err := validDescriptor().Validate(); err != nil {
		t.Fatalf("valid descriptor rejected: %v", err)
	}

	d := validDescriptor()
	d.AgentType = ""
	if err := d.Validate(); err == nil {
		t.Error("expected rejection for empty agent_type")
	}

	d = validDescriptor()
	d.Capabilities = nil
	if err := d.Validate(); err == nil {
		t.Error("expected rejection for empty capabilities")
	}

	d = validDescriptor()
	d.Capabilities = append(d.Capabilities, Capability{Name: "product.search"})
	if err := d.Validate(); err == nil {
		t.Error("expected rejection for duplicate capability name")
	}

	d = validDescriptor()
	d.MaxConcurrentTasks = 0
	if err := d.Validate(); err == nil {
		t.Error("expected rejection for max_concurrent_tasks < 1")
	}

	bad := 1.5
	d = validDescriptor()
	d.Capabilities[0].ConfidenceHint = &bad
	if err := d.Validate(); err == nil {
		t.Error("expected rejection for confidence hint outside [0,1]")
	}
}

func TestAgentDescriptor_RoutingKeyValidation(t *testing.T) {
	for _, key := range []string{"agents.product.tasks", "a", "a.b-c_d.e1"} {
		d := validDescriptor()
		d.RoutingKey = key
		if err := d.Validate(); err != nil {
			t.Errorf("routing key %q rejected: %v", key, err)
		}
	}
	for _, key := range []string{"", ".leading", "trailing.", "double..dot", "Upper.case", "spa ce"} {
		d := validDescriptor()
		d.RoutingKey = key
		if err := d.Validate(); err == nil {
			t.Errorf("routing key %q accepted", key)
		}
	}
}

func TestAgentDescriptor_CloneIsolation(t *testing.T) {
	d := validDescriptor()
	hb := time.Now().UTC()
	d.LastHeartbeat = &hb

	cp := d.Clone()
	cp.Capabilities[0].Name = "mutated"
	*cp.LastHeartbeat = cp.LastHeartbeat.Add(time.Hour)

	if d.Capabilities[0].Name != "product.search" {
		t.Error("clone shares capability slice with original")
	}
	if !d.LastHeartbeat.Equal(hb) {
		t.Error("clone shares heartbeat pointer with original")
	}
}

func TestAgentDescriptor_Confidence(t *testing.T) {
	hint := 0.9
	d := validDescriptor()
	d.Capabilities[0].ConfidenceHint = &hint

	if got := d.Confidence("product.search", 0.5); got != 0.9 {
		t.Errorf("expected declared hint 0.9, got %v", got)
	}
	if got := d.Confidence("order.status", 0.5); got != 0.5 {
		t.Errorf("expected fallback 0.5 for undeclared capability, got %v", got)
	}
}
