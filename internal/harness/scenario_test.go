package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/snapshot_recovery.yaml")
	require.NoError(t, err)

	assert.Equal(t, "snapshot_recovery", scenario.Name)
	assert.Equal(t, 4, scenario.Shards)
	assert.Equal(t, int64(3), scenario.SnapshotInterval)
	require.Len(t, scenario.Flow, 9)

	first := scenario.Flow[0]
	assert.Equal(t, "cart-1", first.Send)
	assert.Equal(t, "AddItem", first.Command["op"])
	require.NotNil(t, first.Expect)
	require.NotNil(t, first.Expect.Seq)
	assert.Equal(t, int64(1), *first.Expect.Seq)

	assert.Equal(t, "cart-1", scenario.Flow[3].Revoke)
	assert.Equal(t, "cart-1", scenario.Flow[4].Acquire)
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenarioRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: typo
description: "assertion instead of assertions"
flow:
  - send: cart-1
assertion: []
`), 0o644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenarioRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "description: d\nflow: [{send: a}]\n",
			want: "name is required",
		},
		{
			name: "missing description",
			yaml: "name: n\nflow: [{send: a}]\n",
			want: "description is required",
		},
		{
			name: "empty flow",
			yaml: "name: n\ndescription: d\n",
			want: "flow list is required",
		},
		{
			name: "two actions in one step",
			yaml: "name: n\ndescription: d\nflow: [{send: a, revoke: a}]\n",
			want: "exactly one of send, revoke, acquire",
		},
		{
			name: "expect on revoke",
			yaml: "name: n\ndescription: d\nflow: [{revoke: a, expect: {seq: 1}}]\n",
			want: "only apply to send",
		},
		{
			name: "negative shards",
			yaml: "name: n\ndescription: d\nshards: -1\nflow: [{send: a}]\n",
			want: "shards must not be negative",
		},
		{
			name: "unknown assertion",
			yaml: "name: n\ndescription: d\nflow: [{send: a}]\nassertions: [{type: final_table}]\n",
			want: `unknown assertion type "final_table"`,
		},
		{
			name: "final_state without entity",
			yaml: "name: n\ndescription: d\nflow: [{send: a}]\nassertions: [{type: final_state, seq: 1}]\n",
			want: "final_state requires entity",
		},
		{
			name: "trace_order with one kind",
			yaml: "name: n\ndescription: d\nflow: [{send: a}]\nassertions: [{type: trace_order, kinds: [send]}]\n",
			want: "at least two kinds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
