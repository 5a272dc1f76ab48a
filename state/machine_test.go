package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langgraphsystem/rssnews-sub002/common"
)

func TestBatchMachineTransitions(t *testing.T) {
	m := BatchMachine()
	assert.Equal(t, "created", m.Initial())

	tests := []struct {
		from    string
		trigger string
		to      string
	}{
		{"created", TriggerPlan, "pending"},
		{"pending", TriggerStart, "processing"},
		{"processing", TriggerComplete, "completed"},
		{"processing", TriggerFail, "failed"},
		{"failed", TriggerRetry, "pending"},
		{"pending", TriggerCancel, "cancelled"},
		{"processing", TriggerCancel, "cancelled"},
		{"completed", TriggerArchive, "archived"},
		{"failed", TriggerArchive, "archived"},
		{"cancelled", TriggerArchive, "archived"},
	}
	for _, tt := range tests {
		edge, err := m.Lookup(tt.from, tt.trigger)
		require.NoError(t, err, "%s --%s-->", tt.from, tt.trigger)
		assert.Equal(t, tt.to, edge.To)
	}
}

func TestBatchMachineRejectsInvalidEdges(t *testing.T) {
	m := BatchMachine()

	invalid := []struct {
		from    string
		trigger string
	}{
		{"created", TriggerComplete},
		{"completed", TriggerStart},
		{"completed", TriggerRetry},
		{"archived", TriggerRetry},
		{"pending", TriggerFail},
		{"processing", TriggerPlan},
	}
	for _, tt := range invalid {
		_, err := m.Lookup(tt.from, tt.trigger)
		assert.ErrorIs(t, err, common.ErrInvalidTransition, "%s --%s-->", tt.from, tt.trigger)
	}
}

func TestArticleMachineTransitions(t *testing.T) {
	m := ArticleMachine()

	tests := []struct {
		from    string
		trigger string
		to      string
	}{
		{"created", TriggerQueue, "pending"},
		{"pending", TriggerProcess, "processing"},
		{"processing", TriggerComplete, "processed"},
		{"processing", TriggerFail, "failed"},
		{"failed", TriggerRetry, "pending"},
		{"processed", TriggerArchive, "archived"},
		{"failed", TriggerArchive, "archived"},
	}
	for _, tt := range tests {
		edge, err := m.Lookup(tt.from, tt.trigger)
		require.NoError(t, err)
		assert.Equal(t, tt.to, edge.To)
	}

	_, err := m.Lookup("processed", TriggerRetry)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
}

func TestTerminalStatesHaveNoForwardEdges(t *testing.T) {
	for _, m := range []*Machine{BatchMachine(), ArticleMachine()} {
		for _, trigger := range []string{TriggerStart, TriggerProcess, TriggerComplete, TriggerFail, TriggerRetry} {
			_, err := m.Lookup("archived", trigger)
			assert.Error(t, err)
		}
	}
}
