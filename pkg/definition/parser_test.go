package definition

import (
	"testing"

	"github.com/dukex/caseflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderYAML = `
key: order
name: Order handling
activities:
  - id: start
    type: start
  - id: review
    type: wait
    asyncBefore: true
  - id: fulfil
    type: subprocess
    activities:
      - id: fulfilStart
        type: start
      - id: pick
        type: task
        exclusive: false
      - id: fulfilEnd
        type: end
      - id: abort
        type: event
        signal: abort
    transitions:
      - from: fulfilStart
        to: pick
      - from: pick
        to: fulfilEnd
  - id: escalate
    type: boundary
    attachedTo: review
    timer: 48h
  - id: done
    type: end
transitions:
  - from: start
    to: review
  - from: review
    to: fulfil
  - from: fulfil
    to: done
  - from: escalate
    to: done
`

func resource(data string) *models.DefinitionResource {
	return &models.DefinitionResource{
		ID:           "order:1:dep",
		Key:          "order",
		Version:      1,
		DeploymentID: "dep",
		Data:         []byte(data),
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	process, err := Parse(resource(orderYAML))
	require.NoError(t, err)

	assert.Equal(t, "order:1:dep", process.ID)
	assert.Equal(t, "dep", process.DeploymentID)
	assert.Equal(t, "Order handling", process.Name)
	assert.Equal(t, "start", process.Initial)
	assert.Empty(t, process.Events)

	review, ok := process.Activity("review")
	require.True(t, ok)
	assert.True(t, review.AsyncBefore)
	assert.True(t, review.Exclusive)
	assert.True(t, review.Scope, "activities with boundaries open a scope")
	assert.Equal(t, []string{"escalate"}, review.Boundaries)
	require.Len(t, review.Outgoing, 1)
	assert.Equal(t, "fulfil", review.Outgoing[0].Target)

	fulfil, ok := process.Activity("fulfil")
	require.True(t, ok)
	assert.True(t, fulfil.Scope)
	assert.Equal(t, "fulfilStart", fulfil.Initial)
	assert.Equal(t, []string{"abort"}, fulfil.Events)
	assert.Equal(t, []string{"abort"}, process.ScopeEvents("fulfil"))
	assert.Equal(t, "fulfilStart", process.InitialOf("fulfil"))

	pick, ok := process.Activity("pick")
	require.True(t, ok)
	assert.Equal(t, "fulfil", pick.Parent)
	assert.False(t, pick.Exclusive)

	escalate, ok := process.Activity("escalate")
	require.True(t, ok)
	assert.True(t, escalate.IsTimerBoundary())
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	data := `{"key":"order","activities":[{"id":"s","type":"start"},{"id":"e","type":"end"}],
		"transitions":[{"from":"s","to":"e"}]}`

	process, err := Parse(resource(data))
	require.NoError(t, err)
	assert.Equal(t, "s", process.Initial)
	assert.Len(t, process.Activities, 2)
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		data string
	}{
		{name: "empty", data: ""},
		{name: "malformed", data: "{"},
		{name: "missing key", data: `{"activities":[{"id":"s","type":"start"}]}`},
		{name: "unknown type", data: `{"key":"order","activities":[{"id":"s","type":"gateway"}]}`},
		{name: "key mismatch", data: `{"key":"other","activities":[{"id":"s","type":"start"}]}`},
		{name: "no start", data: `{"key":"order","activities":[{"id":"t","type":"task"}]}`},
		{
			name: "two starts",
			data: `{"key":"order","activities":[{"id":"a","type":"start"},{"id":"b","type":"start"}]}`,
		},
		{
			name: "duplicate id",
			data: `{"key":"order","activities":[{"id":"a","type":"start"},{"id":"a","type":"task"}]}`,
		},
		{
			name: "unknown transition target",
			data: `{"key":"order","activities":[{"id":"a","type":"start"}],"transitions":[{"from":"a","to":"x"}]}`,
		},
		{
			name: "bad timer",
			data: `{"key":"order","activities":[{"id":"a","type":"start"},{"id":"t","type":"timer","timer":"soon"}]}`,
		},
		{
			name: "boundary without trigger",
			data: `{"key":"order","activities":[{"id":"a","type":"start"},{"id":"w","type":"wait"},
				{"id":"b","type":"boundary","attachedTo":"w"}]}`,
		},
		{
			name: "boundary on start",
			data: `{"key":"order","activities":[{"id":"a","type":"start"},
				{"id":"b","type":"boundary","attachedTo":"a","signal":"x"}]}`,
		},
		{
			name: "transition across scopes",
			data: `{"key":"order","activities":[{"id":"a","type":"start"},{"id":"sub","type":"subprocess",
				"activities":[{"id":"s2","type":"start"}]}],"transitions":[{"from":"a","to":"s2"}]}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(resource(tc.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestDecodeReturnsKey(t *testing.T) {
	t.Parallel()

	document, err := Decode([]byte(orderYAML))
	require.NoError(t, err)
	assert.Equal(t, "order", document.Key)
	assert.Len(t, document.Activities, 5)
}
