package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStage_Next(t *testing.T) {
	assert.Equal(t, StageExtract, StageFetch.Next())
	assert.Equal(t, StagePersistQuestions, StageExtract.Next())
	assert.Equal(t, StageGenerate, StagePersistQuestions.Next())
	assert.Equal(t, StagePersistAnswers, StageGenerate.Next())
	assert.Equal(t, StageComplete, StagePersistAnswers.Next())
}

func TestStage_Next_TerminalStagesStay(t *testing.T) {
	assert.Equal(t, StageComplete, StageComplete.Next())
	assert.Equal(t, StageFailed, StageFailed.Next())
}

func TestStage_Terminal(t *testing.T) {
	assert.True(t, StageComplete.Terminal())
	assert.True(t, StageFailed.Terminal())
	assert.False(t, StageFetch.Terminal())
	assert.False(t, StageGenerate.Terminal())
}

func TestActiveStages(t *testing.T) {
	assert.Equal(t, []Stage{
		StageFetch, StageExtract, StagePersistQuestions, StageGenerate, StagePersistAnswers,
	}, ActiveStages())
}

func TestStage_Valid(t *testing.T) {
	assert.True(t, StageFetch.Valid())
	assert.True(t, StageFailed.Valid())
	assert.False(t, Stage("RENDER").Valid())
}

func TestPipelineRun_AttemptCount(t *testing.T) {
	run := &PipelineRun{}
	assert.Equal(t, 0, run.AttemptCount(StageFetch))

	run.Attempts = map[Stage]int{StageFetch: 3}
	assert.Equal(t, 3, run.AttemptCount(StageFetch))
	assert.Equal(t, 0, run.AttemptCount(StageExtract))
}
