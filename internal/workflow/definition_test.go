package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

const sampleDefinition = `
name: nightly
description: Nightly regression of the shop
target: https://shop.example.com
tags: [nightly, shop]
tasks:
  - name: template_scan
    adapter: nuclei
    depends_on: [probe, crawl]
    options:
      severity: critical,high
      headers:
        Cookie: session=abc
  - name: probe
    adapter: httpx
    options:
      paths: [/, /graphql]
  - name: crawl
    adapter: crawl
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleDefinition))
	require.NoError(t, err)
	assert.Equal(t, "nightly", def.Name)
	assert.Equal(t, []string{"nightly", "shop"}, def.Tags)
	require.Len(t, def.Tasks, 3)
	assert.Equal(t, map[string]interface{}{"Cookie": "session=abc"}, def.Tasks[0].Options["headers"])
	assert.Equal(t, []interface{}{"/", "/graphql"}, def.Tasks[1].Options["paths"])
}

func TestParseDefinitionErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown dependency",
			yaml: "tasks:\n  - {name: a, adapter: x, depends_on: [b]}\n",
			want: "non-existent task b",
		},
		{
			name: "cycle",
			yaml: "tasks:\n  - {name: a, adapter: x, depends_on: [b]}\n  - {name: b, adapter: x, depends_on: [a]}\n",
			want: "circular dependency detected among tasks: [a b]",
		},
		{
			name: "duplicate name",
			yaml: "tasks:\n  - {name: a, adapter: x}\n  - {name: a, adapter: y}\n",
			want: "duplicate task name",
		},
		{
			name: "missing adapter",
			yaml: "tasks:\n  - {name: a}\n",
			want: "has no adapter",
		},
		{
			name: "malformed",
			yaml: "tasks: {",
			want: "parse workflow definition",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadAndApplyDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nightly.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDefinition), 0o644))
	def, err := LoadDefinition(path)
	require.NoError(t, err)

	o := newTestOrchestrator(t, 2,
		funcAdapter{name: "nuclei", fn: succeed()},
		funcAdapter{name: "httpx", fn: succeed()},
		funcAdapter{name: "crawl", fn: succeed()},
	)
	wf, err := o.Apply(def)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com", wf.Target)
	assert.Equal(t, types.WorkflowStatusPending, wf.Status)
	require.Len(t, wf.Tasks, 3)

	ids := map[string]string{}
	for _, task := range wf.Tasks {
		ids[task.Name] = task.ID
	}
	last := wf.Tasks[2]
	assert.Equal(t, "template_scan", last.Name)
	assert.ElementsMatch(t, []string{ids["probe"], ids["crawl"]}, last.DependsOn)

	require.NoError(t, o.ExecuteWorkflow(wf.ID))
	assert.Equal(t, types.WorkflowStatusCompleted, wait(t, o, wf.ID).Status)
}

func TestApplyRejectsUnknownAdapter(t *testing.T) {
	o := newTestOrchestrator(t, 1, funcAdapter{name: "httpx", fn: succeed()})
	def, err := ParseDefinition([]byte(sampleDefinition))
	require.NoError(t, err)

	_, err = o.Apply(def)
	assert.ErrorIs(t, err, ErrAdapterNotFound)
	assert.Empty(t, o.List())

	def.Target = ""
	_, err = o.Apply(def)
	assert.Error(t, err)
}

func TestBuiltinDefinitionsAreValid(t *testing.T) {
	for name, def := range Builtin() {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, name, def.Name)
			assert.Empty(t, def.Target)
			_, err := def.order()
			assert.NoError(t, err)
		})
	}
}
