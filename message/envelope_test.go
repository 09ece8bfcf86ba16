package message

import (
	"testing"

	"github.com/c360studio/conveyor/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipelineInfo(id string) ExecutionInfo {
	return ExecutionInfo{
		ExecutionType: model.ExecutionTypePipeline,
		ExecutionID:   id,
		Application:   "checkout",
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	original := &CompleteTask{
		TaskRef: TaskRef{
			StageRef: StageRef{ExecutionInfo: pipelineInfo("e1"), Stage: "s1"},
			Task:     "2",
		},
		Status: model.StatusSucceeded,
	}

	data, err := Marshal(original)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	ct, ok := decoded.(*CompleteTask)
	require.True(t, ok, "decoded as %T", decoded)
	assert.Equal(t, original, ct)
}

func TestUnmarshalRejectsUnknownKind(t *testing.T) {
	_, err := Unmarshal([]byte(`{"kind":"launchMissiles","payload":{}}`))
	assert.ErrorContains(t, err, "unknown message kind")
}

func TestUnmarshalValidates(t *testing.T) {
	_, err := Unmarshal([]byte(`{"kind":"startStage","payload":{"executionType":"PIPELINE","executionId":"e1","application":"a"}}`))
	assert.ErrorContains(t, err, "stageId is required")

	_, err = Unmarshal([]byte(`{"kind":"startExecution","payload":{"executionType":"NOPE","executionId":"e1"}}`))
	assert.ErrorContains(t, err, "unknown executionType")

	_, err = Unmarshal([]byte(`{"kind":"startWaitingExecutions","payload":{}}`))
	assert.ErrorContains(t, err, "pipelineConfigId")
}

func TestIdempotencyKey(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "execution tier",
			msg:  &StartExecution{ExecutionInfo: pipelineInfo("e1")},
			want: "startExecution/e1",
		},
		{
			name: "stage tier",
			msg:  &StartStage{StageRef: StageRef{ExecutionInfo: pipelineInfo("e1"), Stage: "s1"}},
			want: "startStage/e1/s1",
		},
		{
			name: "task tier",
			msg: &RunTask{TaskRef: TaskRef{
				StageRef: StageRef{ExecutionInfo: pipelineInfo("e1"), Stage: "s1"},
				Task:     "3",
			}},
			want: "runTask/e1/s1/3",
		},
		{
			name: "no execution",
			msg:  &StartWaitingExecutions{PipelineConfigID: "cfg"},
			want: "startWaitingExecutions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IdempotencyKey(tt.msg))
		})
	}
}

func TestEveryKindRegistered(t *testing.T) {
	kinds := []string{
		KindStartExecution, KindCompleteExecution, KindCancelExecution,
		KindResumeExecution, KindRescheduleExecution, KindStartWaitingExecutions,
		KindStartStage, KindCompleteStage, KindSkipStage, KindAbortStage,
		KindCancelStage, KindRestartStage, KindPauseStage, KindResumeStage,
		KindContinueParentStage,
		KindStartTask, KindRunTask, KindCompleteTask, KindPauseTask, KindResumeTask,
		KindInvalidExecution, KindInvalidStage, KindInvalidTask,
	}
	for _, k := range kinds {
		ctor, ok := registry[k]
		require.True(t, ok, "kind %s not registered", k)
		assert.Equal(t, k, ctor().Kind())
	}
}
