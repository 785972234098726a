package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderBindsVariables(t *testing.T) {
	r := NewRenderer()
	out, err := r.Render("t1", "Subject: {{ subject }} ({{ urgency }})", map[string]interface{}{
		"subject": "PO 12345",
		"urgency": 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "Subject: PO 12345 (3)", out)
}

func TestRenderReusesCachedTemplate(t *testing.T) {
	r := NewRenderer()
	_, err := r.Render("t2", "{{ a }}", map[string]interface{}{"a": "one"})
	require.NoError(t, err)

	// Same name, different source: the cached parse wins.
	out, err := r.Render("t2", "{{ b }}", map[string]interface{}{"a": "two"})
	require.NoError(t, err)
	assert.Equal(t, "two", out)
}

func TestRenderParseError(t *testing.T) {
	r := NewRenderer()
	_, err := r.Render("t3", "{% if %}", nil)
	assert.Error(t, err)
}
