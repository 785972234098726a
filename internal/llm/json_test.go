package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wire struct {
	WorkflowType string   `json:"workflow_type"`
	RiskFlags    []string `json:"risk_flags"`
}

func TestDecodeLenientCleanJSON(t *testing.T) {
	var v wire
	steps, err := DecodeLenient(`{"workflow_type":"Quote Processing","risk_flags":["competitor"]}`, &v)
	require.NoError(t, err)
	assert.Equal(t, 0, steps)
	assert.Equal(t, "Quote Processing", v.WorkflowType)
}

func TestDecodeLenientLeadingProse(t *testing.T) {
	var v wire
	steps, err := DecodeLenient(`Here is the analysis you asked for: {"workflow_type":"Approval"} Let me know!`, &v)
	require.NoError(t, err)
	assert.Equal(t, 0, steps)
	assert.Equal(t, "Approval", v.WorkflowType)
}

func TestDecodeLenientMarkdownFence(t *testing.T) {
	var v wire
	steps, err := DecodeLenient("```json\n{\"workflow_type\":\"Quote Processing\"}\n```", &v)
	require.NoError(t, err)
	// The fenced payload is still a clean outermost object, so step 0 takes it.
	assert.Equal(t, 0, steps)
	assert.Equal(t, "Quote Processing", v.WorkflowType)
}

func TestDecodeLenientUnterminatedFence(t *testing.T) {
	// Truncated completion: fence opened, object closed, fence never closed,
	// and a brace inside a string trying to confuse the matcher.
	var v wire
	steps, err := DecodeLenient("```json\n{\"workflow_type\":\"Quote {brace} Processing\"}", &v)
	require.NoError(t, err)
	assert.Equal(t, 0, steps)
	assert.Equal(t, "Quote {brace} Processing", v.WorkflowType)
}

func TestDecodeLenientTrailingComma(t *testing.T) {
	var v wire
	steps, err := DecodeLenient(`{"workflow_type":"Renewal","risk_flags":["churn",]}`, &v)
	require.NoError(t, err)
	assert.Equal(t, 2, steps)
	assert.Equal(t, []string{"churn"}, v.RiskFlags)
}

func TestDecodeLenientGarbage(t *testing.T) {
	var v wire
	_, err := DecodeLenient("I could not produce structured output, sorry.", &v)
	assert.ErrorIs(t, err, ErrUnparseable)
}

func TestOutermostObjectIgnoresStringBraces(t *testing.T) {
	obj, ok := outermostObject(`{"a":"}{","b":1} trailing`)
	require.True(t, ok)
	assert.Equal(t, `{"a":"}{","b":1}`, obj)
}
