// Package state coordinates batch and article lifecycle transitions with
// data-driven machines. Every transition runs under an entity-scoped lock,
// persists to Postgres, mirrors into the KV cache, and appends to a capped
// audit history.
package state

import (
	"context"
	"fmt"
	"time"
)

// Entity types managed by the state machines.
const (
	EntityBatch   = "batch"
	EntityArticle = "article"
)

// Triggers accepted by the machines.
const (
	TriggerPlan     = "plan"
	TriggerQueue    = "queue"
	TriggerStart    = "start"
	TriggerProcess  = "process"
	TriggerComplete = "complete"
	TriggerFail     = "fail"
	TriggerRetry    = "retry"
	TriggerCancel   = "cancel"
	TriggerArchive  = "archive"
)

// Guard can veto a transition; Action runs after the state is persisted.
type Guard func(ctx context.Context, entityID string, metadata map[string]string) error
type Action func(ctx context.Context, entityID string, metadata map[string]string)

// Transition is one edge of a machine.
type Transition struct {
	From    string
	Trigger string
	To      string
	Guards  []Guard
	Actions []Action
}

// Machine is a transition table indexed by (from, trigger).
type Machine struct {
	entityType string
	initial    string
	edges      map[string]map[string]*Transition
}

// NewMachine builds a machine from its transition table.
func NewMachine(entityType, initial string, transitions []Transition) *Machine {
	m := &Machine{
		entityType: entityType,
		initial:    initial,
		edges:      make(map[string]map[string]*Transition),
	}
	for i := range transitions {
		t := &transitions[i]
		if m.edges[t.From] == nil {
			m.edges[t.From] = make(map[string]*Transition)
		}
		m.edges[t.From][t.Trigger] = t
	}
	return m
}

// Lookup returns the edge for (from, trigger) or an ErrInvalidTransition
// wrapper naming both.
func (m *Machine) Lookup(from, trigger string) (*Transition, error) {
	if t, ok := m.edges[from][trigger]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%s %q has no trigger %q: %w", m.entityType, from, trigger, errInvalid)
}

// Initial returns the machine's starting state.
func (m *Machine) Initial() string { return m.initial }

// BatchMachine returns the batch lifecycle table.
func BatchMachine() *Machine {
	return NewMachine(EntityBatch, "created", []Transition{
		{From: "created", Trigger: TriggerPlan, To: "pending"},
		{From: "pending", Trigger: TriggerStart, To: "processing"},
		{From: "processing", Trigger: TriggerComplete, To: "completed"},
		{From: "processing", Trigger: TriggerFail, To: "failed"},
		{From: "failed", Trigger: TriggerRetry, To: "pending"},
		{From: "pending", Trigger: TriggerCancel, To: "cancelled"},
		{From: "processing", Trigger: TriggerCancel, To: "cancelled"},
		{From: "completed", Trigger: TriggerArchive, To: "archived"},
		{From: "failed", Trigger: TriggerArchive, To: "archived"},
		{From: "cancelled", Trigger: TriggerArchive, To: "archived"},
	})
}

// ArticleMachine returns the article lifecycle table.
func ArticleMachine() *Machine {
	return NewMachine(EntityArticle, "created", []Transition{
		{From: "created", Trigger: TriggerQueue, To: "pending"},
		{From: "pending", Trigger: TriggerProcess, To: "processing"},
		{From: "processing", Trigger: TriggerComplete, To: "processed"},
		{From: "processing", Trigger: TriggerFail, To: "failed"},
		{From: "failed", Trigger: TriggerRetry, To: "pending"},
		{From: "processed", Trigger: TriggerArchive, To: "archived"},
		{From: "failed", Trigger: TriggerArchive, To: "archived"},
	})
}

// auditRecord is one history entry.
type auditRecord struct {
	From     string            `json:"from"`
	To       string            `json:"to"`
	Trigger  string            `json:"trigger"`
	Metadata map[string]string `json:"metadata,omitempty"`
	At       time.Time         `json:"at"`
}
