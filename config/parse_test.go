package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepnoodle-ai/conductor/workflow"
	"github.com/stretchr/testify/require"
)

const releaseYAML = `
Name: release
Version: 2
Description: Draft, approve, and publish an announcement.
Inputs:
  - Name: topic
    Type: string
    Required: true
Steps:
  - Name: draft
    Agent: writer
    Input:
      topic: ${inputs.topic}
    Output:
      Type: object
      Properties:
        text:
          Type: string
      Required:
        - text
    Retry:
      MaxAttempts: 5
      BaseWait: 2s
    Timeout: 30s
    Artifacts:
      - Path: drafts/announcement.md
        Format: markdown
        From: text
    Next:
      - Step: approve
  - Name: approve
    Type: breakpoint
    Breakpoint:
      Prompt: Publish this announcement?
      Outcomes:
        - approved
        - rejected
      Expiry: 24h
      ExpiryPolicy: reject
    Next:
      - Step: publish
  - Name: publish
    Agent: publisher
    Input:
      text: ${context.draft.text}
`

func TestParseYAMLDefinition(t *testing.T) {
	def, err := ParseYAML([]byte(releaseYAML))
	require.NoError(t, err)
	require.Equal(t, "release", def.Name)
	require.Equal(t, 2, def.Version)
	require.Len(t, def.Steps, 3)
	require.Equal(t, "writer", def.Steps[0].Agent)
	require.NotNil(t, def.Steps[0].Output)
	require.Contains(t, def.Steps[0].Output.Properties, "text")
	require.Equal(t, "breakpoint", def.Steps[1].Type)
	require.Equal(t, "24h", def.Steps[1].Breakpoint.Expiry)
}

func TestParseYAMLRejectsUnknownKeys(t *testing.T) {
	_, err := ParseYAML([]byte("Name: x\nStepz:\n  - Name: a\n"))
	require.Error(t, err)
}

func TestBuildDefinition(t *testing.T) {
	def, err := ParseYAML([]byte(releaseYAML))
	require.NoError(t, err)
	process, err := def.Build()
	require.NoError(t, err)

	require.Equal(t, "release", process.Name())
	require.Equal(t, 2, process.Version())
	require.Equal(t, "draft", process.Start().Name())

	draft := process.Start()
	require.Equal(t, workflow.StepTypeTask, draft.Type())
	require.Equal(t, 30*time.Second, draft.Timeout())
	require.Equal(t, 5, draft.RetryPolicy().MaxAttempts)
	require.Equal(t, 2*time.Second, draft.RetryPolicy().BaseWait)
	require.Len(t, draft.Artifacts(), 1)
	require.Equal(t, "drafts/announcement.md", draft.Artifacts()[0].Path)

	approve, ok := process.Graph().Get("approve")
	require.True(t, ok)
	require.Equal(t, workflow.StepTypeBreakpoint, approve.Type())
	require.Equal(t, 24*time.Hour, approve.Breakpoint().Expiry)
	require.Equal(t, workflow.ExpiryPolicyReject, approve.Breakpoint().ExpiryPolicy)
}

func TestBuildIterationAndParallel(t *testing.T) {
	text := `
Name: refine
Steps:
  - Name: polish
    Type: iteration
    Iteration:
      MaxIterations: 5
      Until: $(last["score"] >= 8)
      Steps:
        - Name: revise
          Agent: editor
    Next:
      - Step: fanout
  - Name: fanout
    Type: parallel
    Branches:
      - Name: summarize
        Agent: summarizer
      - Name: translate
        Agent: translator
`
	def, err := ParseYAML([]byte(text))
	require.NoError(t, err)
	process, err := def.Build()
	require.NoError(t, err)

	polish, ok := process.Graph().Get("polish")
	require.True(t, ok)
	require.Equal(t, 5, polish.Iteration().MaxIterations)
	require.Len(t, polish.Iteration().Body, 1)

	fanout, ok := process.Graph().Get("fanout")
	require.True(t, ok)
	require.Len(t, fanout.Branches(), 2)
}

func TestBuildRejectsInvalidDurations(t *testing.T) {
	def := &Definition{
		Name: "bad",
		Steps: []Step{
			{Name: "a", Agent: "x", Timeout: "soon"},
		},
	}
	_, err := def.Build()
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid timeout")
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "release.yaml"), []byte(releaseYAML), 0644))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "hotfix.json"),
		[]byte(`{"Name":"hotfix","Steps":[{"Name":"fix","Agent":"fixer"}]}`), 0644))

	processes, err := LoadDirectory(dir)
	require.NoError(t, err)
	require.Len(t, processes, 2)
	// lexicographical order
	require.Equal(t, "hotfix", processes[0].Name())
	require.Equal(t, "release", processes[1].Name())
}

func TestLoadDirectoryEmpty(t *testing.T) {
	_, err := LoadDirectory(t.TempDir())
	require.Error(t, err)
}

func TestRegistryVersioning(t *testing.T) {
	registry := NewRegistry()

	v1, err := workflow.NewProcess(workflow.ProcessOptions{
		Name:  "release",
		Steps: []*workflow.Step{workflow.NewStep(workflow.StepOptions{Name: "draft", Agent: "writer"})},
	})
	require.NoError(t, err)
	v2, err := workflow.NewProcess(workflow.ProcessOptions{
		Name:    "release",
		Version: 2,
		Steps:   []*workflow.Step{workflow.NewStep(workflow.StepOptions{Name: "draft", Agent: "writer"})},
	})
	require.NoError(t, err)

	require.NoError(t, registry.Register(v1))
	require.NoError(t, registry.Register(v2))

	// re-registering an existing name/version is rejected
	require.Error(t, registry.Register(v1))

	latest, err := registry.Get("release")
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version())

	pinned, err := registry.GetVersion("release", 1)
	require.NoError(t, err)
	require.Equal(t, 1, pinned.Version())

	_, err = registry.Get("unknown")
	require.Error(t, err)
	require.Equal(t, []string{"release"}, registry.Names())
}
