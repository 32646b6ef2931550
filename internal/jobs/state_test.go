package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	statuses []string
	events   []string
}

func (r *recordingStore) UpsertJobStatus(jobID, state, detail, lastError string) error {
	r.statuses = append(r.statuses, state)
	return nil
}

func (r *recordingStore) AppendJobEvent(jobID, state, detail string) error {
	r.events = append(r.events, state)
	return nil
}

func TestStateMachineTransitions(t *testing.T) {
	t.Run("forward path reaches done", func(t *testing.T) {
		machine, err := NewStateMachine("job-1", nil)
		require.NoError(t, err)
		for _, state := range []State{StateAnalyzing, StateMapping, StateMaterializing, StateValidating, StateDone} {
			require.NoError(t, machine.Transition(state, ""))
		}
		assert.Equal(t, StateDone, machine.State())
	})

	t.Run("rank never decreases", func(t *testing.T) {
		machine, err := NewStateMachine("job-2", nil)
		require.NoError(t, err)
		require.NoError(t, machine.Transition(StateMapping, ""))
		err = machine.Transition(StateAnalyzing, "")
		assert.Error(t, err)
		assert.Equal(t, StateMapping, machine.State())
	})

	t.Run("repeat transition is a no-op", func(t *testing.T) {
		store := &recordingStore{}
		machine, err := NewStateMachine("job-3", store)
		require.NoError(t, err)
		require.NoError(t, machine.Transition(StateAnalyzing, ""))
		require.NoError(t, machine.Transition(StateAnalyzing, ""))
		assert.Equal(t, []string{"PENDING", "ANALYZING"}, store.events)
	})

	t.Run("non-terminal may fail or cancel", func(t *testing.T) {
		machine, err := NewStateMachine("job-4", nil)
		require.NoError(t, err)
		require.NoError(t, machine.Transition(StateMaterializing, ""))
		require.NoError(t, machine.Transition(StateCancelled, "stop"))
		assert.Equal(t, StateCancelled, machine.State())
	})

	t.Run("terminal states accept nothing", func(t *testing.T) {
		machine, err := NewStateMachine("job-5", nil)
		require.NoError(t, err)
		require.NoError(t, machine.Transition(StateFailed, "boom"))
		assert.Error(t, machine.Transition(StateAnalyzing, ""))
		assert.Error(t, machine.Transition(StateDone, ""))
	})

	t.Run("mark helpers respect terminal states", func(t *testing.T) {
		store := &recordingStore{}
		machine, err := NewStateMachine("job-7", store)
		require.NoError(t, err)
		for _, state := range []State{StateAnalyzing, StateMapping, StateMaterializing, StateValidating, StateDone} {
			require.NoError(t, machine.Transition(state, ""))
		}
		assert.Error(t, machine.MarkFailed("late failure"))
		assert.Error(t, machine.MarkCancelled("late cancel"))
		assert.Equal(t, StateDone, machine.State())
		// No status or event rows were written for the rejected calls.
		assert.Equal(t, "DONE", store.events[len(store.events)-1])
	})

	t.Run("status then event per accepted transition", func(t *testing.T) {
		store := &recordingStore{}
		machine, err := NewStateMachine("job-6", store)
		require.NoError(t, err)
		require.NoError(t, machine.Transition(StateAnalyzing, "started"))
		assert.Equal(t, store.statuses, store.events)
		assert.Len(t, store.events, 2)
	})
}
