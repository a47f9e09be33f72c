package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSatisfies(t *testing.T) {
	for _, s := range FinishedStates {
		assert.True(t, Satisfies(s, StateFinished), "finished应匹配%s", s)
	}
	assert.False(t, Satisfies(StatePending, StateFinished))
	assert.True(t, Satisfies(StateFailed, StateFailed))
	assert.False(t, Satisfies(StateFailed, StateSucceeded))
}

func TestStateSets(t *testing.T) {
	assert.True(t, StateTimeout.IsFailed())
	assert.False(t, StateSucceeded.IsFailed())
	assert.True(t, StateSucceeded.IsFinished())
	assert.False(t, StateRunning.IsFinished())
	assert.True(t, StateRunning.IsActiveGraphState())
	assert.False(t, StateCancelled.IsActiveGraphState())
}

func TestStateListDecoding(t *testing.T) {
	var fromString StateList
	require.NoError(t, json.Unmarshal([]byte(`"finished"`), &fromString))
	assert.Equal(t, StateList{StateFinished}, fromString)

	var fromArray StateList
	require.NoError(t, json.Unmarshal([]byte(`["finished","timeout"]`), &fromArray))
	assert.Equal(t, StateList{StateFinished, StateTimeout}, fromArray)

	var fromYAML map[string]StateList
	require.NoError(t, yaml.Unmarshal([]byte("a: succeeded\nb: [failed, timeout]\n"), &fromYAML))
	assert.Equal(t, StateList{StateSucceeded}, fromYAML["a"])
	assert.True(t, fromYAML["b"].SatisfiedBy(StateTimeout))

	data, err := json.Marshal(StateList{StateSucceeded})
	require.NoError(t, err)
	assert.Equal(t, `"succeeded"`, string(data))

	assert.Error(t, StateList{"bogus"}.Validate())
	assert.Error(t, StateList{}.Validate())
}

func TestErrorClassification(t *testing.T) {
	err := NewNotFoundError("graph %s not found", "x")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsBadRequest(err))

	wrapped := AsBadRequest(assert.AnError)
	assert.True(t, IsBadRequest(wrapped))
	assert.True(t, IsNotFound(AsBadRequest(err)))
	assert.Nil(t, AsBadRequest(nil))
}
