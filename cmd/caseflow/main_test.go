package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/caseflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reviewDocument = `
key: review
activities:
  - {id: start, type: start}
  - {id: review, type: wait}
  - {id: done, type: end}
transitions:
  - {from: start, to: review}
  - {from: review, to: done}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	app := newApp()
	app.Writer = &out

	err := app.Run(context.Background(), append([]string{"caseflow", "--log-level", "error"}, args...))

	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	valid := writeFile(t, dir, "review.yaml", reviewDocument)
	invalid := writeFile(t, dir, "broken.yaml", "key: broken\nactivities: []\n")

	out, err := run(t, "validate", valid)
	require.NoError(t, err)
	assert.Contains(t, out, "review.yaml: valid")

	_, err = run(t, "validate", valid, invalid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")

	_, err = run(t, "validate")
	require.ErrorIs(t, err, errMissingArgument)
}

func TestDeployStartAndSignalCommands(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	document := writeFile(t, dir, "review.yaml", reviewDocument)
	global := []string{
		"--database-url", "bolt://" + filepath.Join(dir, "caseflow.db"),
		"--config", filepath.Join(dir, "missing.yaml"),
	}

	out, err := run(t, append(global, "deploy", "--name", "reviews", document)...)
	require.NoError(t, err)

	var deployment models.Deployment
	require.NoError(t, json.Unmarshal([]byte(out), &deployment))
	require.Len(t, deployment.Definitions, 1)
	assert.Equal(t, 1, deployment.Definitions[0].Version)

	out, err = run(t, append(global, "start", "--key", "review", "--variables", `{"amount": 3}`)...)
	require.NoError(t, err)

	var instance models.Instance
	require.NoError(t, json.Unmarshal([]byte(out), &instance))
	assert.Equal(t, deployment.Definitions[0].ID, instance.DefinitionID)
	assert.Equal(t, "review", instance.Root().ActivityID)

	out, err = run(t, append(global, "signal", instance.RootID, "approve")...)
	require.NoError(t, err)

	require.NoError(t, json.Unmarshal([]byte(out), &instance))
	assert.True(t, instance.Ended)

	out, err = run(t, append(global, "incidents")...)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestStartCommandRequiresOneTarget(t *testing.T) {
	t.Parallel()

	_, err := run(t, "start")
	require.ErrorIs(t, err, errMissingArgument)

	_, err = run(t, "start", "--key", "a", "--definition-id", "b")
	require.ErrorIs(t, err, errMissingArgument)

	_, err = run(t, "start", "--key", "a", "--variables", "[1]")
	require.Error(t, err)
}

func TestParseVariables(t *testing.T) {
	t.Parallel()

	variables, err := parseVariables(`{"approved": true}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"approved": true}, variables)

	variables, err = parseVariables("")
	require.NoError(t, err)
	assert.Nil(t, variables)
}
