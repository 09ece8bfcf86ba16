package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExecution() *PipelineExecution {
	e := &PipelineExecution{
		ID:          "exec-1",
		Type:        ExecutionTypePipeline,
		Application: "checkout",
		Status:      StatusNotStarted,
		Stages: []*StageExecution{
			{ID: "s1", RefID: "1", Type: "wait", Status: StatusNotStarted},
			{ID: "s2", RefID: "2", Type: "wait", Status: StatusNotStarted, RequisiteStageRefIDs: []string{"1"}},
			{ID: "s3", RefID: "3", Type: "wait", Status: StatusNotStarted, RequisiteStageRefIDs: []string{"1"}},
			{ID: "s4", RefID: "4", Type: "wait", Status: StatusNotStarted, RequisiteStageRefIDs: []string{"2", "3"}},
		},
	}
	e.AttachBackrefs()
	return e
}

func TestGraphTraversal(t *testing.T) {
	e := testExecution()

	initial := e.InitialStages()
	require.Len(t, initial, 1)
	assert.Equal(t, "1", initial[0].RefID)

	root, ok := e.StageByRef("1")
	require.True(t, ok)
	downstream := e.DownstreamStages(root)
	require.Len(t, downstream, 2)
	assert.Equal(t, "2", downstream[0].RefID)
	assert.Equal(t, "3", downstream[1].RefID)

	join, ok := e.StageByRef("4")
	require.True(t, ok)
	upstream := e.UpstreamStages(join)
	require.Len(t, upstream, 2)
}

func TestValidateGraph(t *testing.T) {
	t.Run("valid diamond", func(t *testing.T) {
		assert.NoError(t, testExecution().ValidateGraph())
	})

	t.Run("cycle detected", func(t *testing.T) {
		e := testExecution()
		s1, _ := e.StageByRef("1")
		s1.RequisiteStageRefIDs = []string{"4"}
		assert.ErrorContains(t, e.ValidateGraph(), "circular dependency")
	})

	t.Run("unknown requisite", func(t *testing.T) {
		e := testExecution()
		s2, _ := e.StageByRef("2")
		s2.RequisiteStageRefIDs = []string{"nope"}
		assert.ErrorContains(t, e.ValidateGraph(), "unknown refId")
	})

	t.Run("duplicate refId", func(t *testing.T) {
		e := testExecution()
		e.Stages[1].RefID = "1"
		assert.ErrorContains(t, e.ValidateGraph(), "duplicate")
	})

	t.Run("synthetic children excluded", func(t *testing.T) {
		e := testExecution()
		e.Stages = append(e.Stages, &StageExecution{
			ID: "s5", RefID: "1<1", Type: "wait",
			ParentStageID: "s1", SyntheticStageOwner: SyntheticOwnerBefore,
		})
		e.AttachBackrefs()
		assert.NoError(t, e.ValidateGraph())
	})
}

func TestSyntheticChildren(t *testing.T) {
	e := testExecution()
	parent, _ := e.StageByRef("1")

	before := &StageExecution{ID: "c1", RefID: "1<1", ParentStageID: "s1", SyntheticStageOwner: SyntheticOwnerBefore}
	after := &StageExecution{ID: "c2", RefID: "1>1", ParentStageID: "s1", SyntheticStageOwner: SyntheticOwnerAfter}
	e.AddStageBefore(parent, before)
	e.AddStageAfter(parent, after)

	assert.Equal(t, []*StageExecution{before}, parent.Children(SyntheticOwnerBefore))
	assert.Equal(t, []*StageExecution{after}, parent.Children(SyntheticOwnerAfter))
	assert.Len(t, parent.AllChildren(), 2)
	assert.True(t, before.IsSynthetic())
	assert.False(t, parent.IsSynthetic())

	p, ok := before.Parent()
	require.True(t, ok)
	assert.Equal(t, parent.ID, p.ID)
	assert.Equal(t, parent.ID, before.TopLevel().ID)

	// Insertion order: child before parent, after-child directly behind.
	assert.Equal(t, "c1", e.Stages[0].ID)
	assert.Equal(t, "s1", e.Stages[1].ID)
	assert.Equal(t, "c2", e.Stages[2].ID)
}

func TestTaskOrdering(t *testing.T) {
	s := &StageExecution{
		Tasks: []*TaskExecution{
			{ID: "1", Name: "first"},
			{ID: "2", Name: "second"},
			{ID: "3", Name: "third", StageEnd: true},
		},
	}

	first, ok := s.FirstTask()
	require.True(t, ok)
	assert.Equal(t, "1", first.ID)

	next, ok := s.NextTask(first)
	require.True(t, ok)
	assert.Equal(t, "2", next.ID)

	last, _ := s.TaskByID("3")
	_, ok = s.NextTask(last)
	assert.False(t, ok)

	empty := &StageExecution{}
	_, ok = empty.FirstTask()
	assert.False(t, ok)
}

func TestUnknownFieldsPreserved(t *testing.T) {
	raw := `{
		"id": "exec-9",
		"type": "PIPELINE",
		"application": "checkout",
		"status": "NOT_STARTED",
		"spelunker": {"deep": true},
		"stages": [
			{"id": "s1", "refId": "1", "type": "wait", "status": "NOT_STARTED",
			 "context": {"waitTime": 5}, "tasks": [], "futureField": "kept"}
		]
	}`

	var e PipelineExecution
	require.NoError(t, json.Unmarshal([]byte(raw), &e))

	out, err := json.Marshal(&e)
	require.NoError(t, err)

	var round map[string]any
	require.NoError(t, json.Unmarshal(out, &round))
	assert.Equal(t, map[string]any{"deep": true}, round["spelunker"])

	stages := round["stages"].([]any)
	stage := stages[0].(map[string]any)
	assert.Equal(t, "kept", stage["futureField"])
	assert.Equal(t, float64(5), stage["context"].(map[string]any)["waitTime"])
}

func TestClone(t *testing.T) {
	e := testExecution()
	e.Stages[0].Context = Context{"waitTime": 5}

	clone, err := e.Clone()
	require.NoError(t, err)

	clone.Stages[0].Context["waitTime"] = 99
	clone.Status = StatusRunning

	assert.Equal(t, StatusNotStarted, e.Status)
	assert.Equal(t, 5, e.Stages[0].Context["waitTime"])
	// Backrefs survive the round-trip.
	assert.Same(t, clone, clone.Stages[0].Execution())
}

func TestContextAccessors(t *testing.T) {
	s := &StageExecution{Context: Context{
		"continueOnFailure":             true,
		"completeOtherBranchesThenFail": true,
		"manualSkip":                    true,
	}}
	assert.True(t, s.ContinueOnFailure())
	assert.True(t, s.CompleteOtherBranchesThenFail())
	assert.True(t, s.AllowManualSkip())

	bare := &StageExecution{}
	assert.False(t, bare.ContinueOnFailure())
	assert.False(t, bare.CompleteOtherBranchesThenFail())
	assert.False(t, bare.AllowManualSkip())

	bare.MergeContext(map[string]any{"a": 1})
	bare.MergeOutputs(map[string]any{"b": 2})
	assert.Equal(t, 1, bare.Context["a"])
	assert.Equal(t, 2, bare.Outputs["b"])
}
