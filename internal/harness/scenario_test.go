package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenario(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/fail_open.yaml")
	require.NoError(t, err)

	assert.Equal(t, "fail_open", scenario.Name)
	require.Len(t, scenario.Flow, 8)
	assert.Equal(t, "resolve", scenario.Flow[0].Invoke)
	assert.Equal(t, "none", scenario.Flow[0].Expect.Result["source"])
	assert.Equal(t, "", scenario.Flow[4].Args["device"])
	assert.Equal(t, "0.9", scenario.Flow[6].Args["version"])
	require.Len(t, scenario.Assertions, 3)
	assert.True(t, scenario.Assertions[2].Absent)
}

func TestLoadScenario_Config(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/natural_order.yaml")
	require.NoError(t, err)
	assert.Equal(t, "natural", scenario.Config.VersionOrder)
	assert.Len(t, scenario.Setup, 3)
}

func TestLoadScenario_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing name",
			content: "description: x\nflow:\n  - invoke: latest\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "name: x\nflow:\n  - invoke: latest\n",
			wantErr: "description is required",
		},
		{
			name:    "empty flow",
			content: "name: x\ndescription: x\n",
			wantErr: "flow list is required",
		},
		{
			name:    "unknown action",
			content: "name: x\ndescription: x\nflow:\n  - invoke: reboot\n",
			wantErr: `unknown action "reboot"`,
		},
		{
			name:    "unknown setup action",
			content: "name: x\ndescription: x\nsetup:\n  - action: wipe\nflow:\n  - invoke: latest\n",
			wantErr: `setup[0]: unknown action "wipe"`,
		},
		{
			name:    "expect without case",
			content: "name: x\ndescription: x\nflow:\n  - invoke: latest\n    expect:\n      result:\n        version: \"1\"\n",
			wantErr: "case is required",
		},
		{
			name:    "unknown field",
			content: "name: x\ndescription: x\nflow_token: abc\nflow:\n  - invoke: latest\n",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "trace_order without actions",
			content: "name: x\ndescription: x\nflow:\n  - invoke: latest\nassertions:\n  - type: trace_order\n",
			wantErr: "actions list is required",
		},
	}

	dir := t.TempDir()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScenario(t, dir, "s.yaml", tt.content)
			_, err := LoadScenario(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFindScenarios(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "b_second.yaml", "")
	writeScenario(t, dir, "a_first.yml", "")
	writeScenario(t, dir, "notes.txt", "")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))
	writeScenario(t, filepath.Join(dir, "nested"), "c_third.yaml", "")

	files, err := FindScenarios(dir, "")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, filepath.Join(dir, "a_first.yml"), files[0])

	files, err = FindScenarios(dir, "b_*")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "b_second.yaml")}, files)
}
