package loader

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/registry"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

const orderYAML = `
id: orders
name: Order pipeline
version: 1.2.0
entryPoint: fetch
inputSchema:
  type: object
  required: [orderId]
steps:
  - id: fetch
    type: tool_call
    config:
      type: tool_call
      toolName: orders.get
      input:
        expand: true
    inputMapping:
      id: { type: ref, stepId: input, path: orderId }
      source: web
    next:
      - condition: total > 100
        nextStep: review
      - condition: orderId
        nextStep: ship
    retry:
      maxAttempts: 3
      delayMs: 10
  - id: review
    type: human_approval
    config:
      type: human_approval
      message: Large order, approve?
      choices: [ship, hold]
    next: ship
  - id: ship
    type: transform
    config:
      type: transform
      expression: $.orderId
    onError:
      action: skip
`

const echoJSON = `{
  "id": "echo",
  "name": "Echo",
  "version": "1.0.0",
  "entryPoint": "s1",
  "steps": [
    {"id": "s1", "type": "transform", "config": {"type": "transform", "expression": "$.msg"}}
  ]
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// --- Decode ---

func TestDecode_YAML(t *testing.T) {
	defs, err := Decode("orders.yaml", []byte(orderYAML))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	def := defs[0]

	assert.Equal(t, "orders", def.ID)
	assert.Equal(t, "1.2.0", def.Version)
	assert.Equal(t, "fetch", def.EntryPoint)
	assert.Equal(t, []any{"orderId"}, def.InputSchema["required"])
	require.Len(t, def.Steps, 3)

	fetch := def.Steps[0]
	require.NotNil(t, fetch.Config.ToolCall)
	assert.Equal(t, "orders.get", fetch.Config.ToolCall.ToolName)
	assert.Equal(t, true, fetch.Config.ToolCall.Input["expand"])
	assert.Equal(t, schema.Ref("input", "orderId"), fetch.InputMapping["id"])
	assert.Equal(t, schema.Literal("web"), fetch.InputMapping["source"])
	require.NotNil(t, fetch.Next)
	assert.Equal(t, []schema.Branch{
		{Condition: "total > 100", NextStep: "review"},
		{Condition: "orderId", NextStep: "ship"},
	}, fetch.Next.Branches)
	assert.Equal(t, 3, fetch.Retry.MaxAttempts)
	assert.Equal(t, 10, *fetch.Retry.DelayMs)

	review := def.Steps[1]
	require.NotNil(t, review.Config.HumanApproval)
	assert.Equal(t, []string{"ship", "hold"}, review.Config.HumanApproval.Choices)
	assert.Equal(t, schema.NextStep("ship"), review.Next)

	ship := def.Steps[2]
	assert.Equal(t, "$.orderId", ship.Config.Transform.Expression)
	assert.Equal(t, schema.OnErrorSkip, ship.OnError.Action)
}

func TestDecode_JSONAndList(t *testing.T) {
	defs, err := Decode("echo.json", []byte(echoJSON))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "$.msg", defs[0].Steps[0].Config.Transform.Expression)

	list, err := Decode("many.json", []byte("["+echoJSON+","+echoJSON+"]"))
	require.NoError(t, err)
	assert.Len(t, list, 2)

	yamlList, err := Decode("many.yml", []byte("- id: a\n  name: a\n- id: b\n  name: b\n"))
	require.NoError(t, err)
	require.Len(t, yamlList, 2)
	assert.Equal(t, "b", yamlList[1].ID)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		data string
	}{
		{"empty", "a.json", "  \n"},
		{"bad json", "a.json", "{"},
		{"bad yaml", "a.yaml", "id: [unclosed"},
		{"unsupported extension", "a.toml", "id = 'x'"},
		{"null list entry", "a.json", "[null]"},
		{"bad next", "a.json", `{"id":"x","steps":[{"id":"s","next":42}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.file, []byte(tt.data))
			assert.Error(t, err)
		})
	}
}

// --- LoadFiles ---

func TestLoadFiles_Globs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders.yaml", orderYAML)
	writeFile(t, dir, "nested/deep/echo.json", echoJSON)
	writeFile(t, dir, "nested/README.md", "# not a definition")

	files, err := LoadFiles([]string{
		filepath.Join(dir, "**", "*"),
		filepath.Join(dir, "*.yaml"), // overlaps the first pattern
		"",
	})
	require.NoError(t, err)
	require.Len(t, files, 2)

	ids := map[string]string{}
	for _, f := range files {
		ids[f.Definition.ID] = filepath.Base(f.Path)
	}
	assert.Equal(t, map[string]string{"orders": "orders.yaml", "echo": "echo.json"}, ids)
}

func TestLoadFiles_ReportsBadFilesAndKeepsGoodOnes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.json", echoJSON)
	bad := writeFile(t, dir, "bad.yaml", "steps: [")

	files, err := LoadFiles([]string{filepath.Join(dir, "*")})
	require.Error(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "echo", files[0].Definition.ID)

	var ferr *FileError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, bad, ferr.Path)
}

func TestLoadFiles_NoMatches(t *testing.T) {
	files, err := LoadFiles([]string{filepath.Join(t.TempDir(), "*.json")})
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestLoadFile_Directory(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadFile(dir)
	assert.Error(t, err)
	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported("a.json"))
	assert.True(t, Supported("a.YAML"))
	assert.True(t, Supported("dir/a.yml"))
	assert.False(t, Supported("a.toml"))
	assert.False(t, Supported("json"))
}

// --- RegisterAll ---

func TestRegisterAll(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders.yaml", orderYAML)
	writeFile(t, dir, "echo.json", echoJSON)
	writeFile(t, dir, "invalid.json", `{"id":"broken","name":"broken","version":"1","entryPoint":"missing","steps":[]}`)

	files, err := LoadFiles([]string{filepath.Join(dir, "*")})
	require.NoError(t, err)
	require.Len(t, files, 3)

	reg := registry.New(validation.New())
	n, err := RegisterAll(reg, files)
	assert.Equal(t, 2, n)
	require.Error(t, err)

	var ferr *FileError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, "invalid.json", filepath.Base(ferr.Path))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	assert.True(t, reg.Has("orders"))
	assert.True(t, reg.Has("echo"))
	assert.False(t, reg.Has("broken"))
}
