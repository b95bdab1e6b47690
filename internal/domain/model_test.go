package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageIsFailedStage(t *testing.T) {
	assert.True(t, (&Stage{ExitCode: 1, Status: "success"}).IsFailedStage())
	assert.True(t, (&Stage{ExitCode: 0, Status: "failure"}).IsFailedStage())
	assert.True(t, (&Stage{ExitCode: 0, Status: "running"}).IsFailedStage())
	assert.False(t, (&Stage{ExitCode: 0, Status: "success"}).IsFailedStage())
}

func TestBuildFailedStages(t *testing.T) {
	b := &Build{Stages: []*Stage{
		{Name: "test", Status: "success"},
		{Name: "deploy", Status: "failure"},
		{Name: "lint", ExitCode: 1},
	}}
	failed := b.FailedStages()
	assert.Len(t, failed, 2)
	assert.Equal(t, "deploy", failed[0].Name)
	assert.Equal(t, "lint", failed[1].Name)
}

func TestStepIsSkipped(t *testing.T) {
	assert.True(t, (&Step{Status: "skipped"}).IsSkipped())
	assert.False(t, (&Step{Status: "failure"}).IsSkipped())
}

func TestAnalysisContextLookup(t *testing.T) {
	ctx := &AnalysisContext{
		Build: &Build{Status: "failure", AuthorLogin: "octocat"},
		Stage: &Stage{Name: "test"},
		Step:  &Step{Status: "failure", Output: &Output{Message: "yarn error"}},
	}

	v, ok := ctx.Lookup([]string{"build", "author_login"})
	assert.True(t, ok)
	assert.Equal(t, "octocat", v)

	v, ok = ctx.Lookup([]string{"stage", "name"})
	assert.True(t, ok)
	assert.Equal(t, "test", v)

	v, ok = ctx.Lookup([]string{"step", "output", "message"})
	assert.True(t, ok)
	assert.Equal(t, "yarn error", v)

	_, ok = ctx.Lookup([]string{"build", "nonexistent"})
	assert.False(t, ok)
}

func TestValidatePathRejectsUnknownAttribute(t *testing.T) {
	assert.True(t, ValidatePath([]string{"build", "status"}))
	assert.True(t, ValidatePath([]string{"step", "output", "message"}))
	assert.False(t, ValidatePath([]string{"build", "nope"}))
	assert.False(t, ValidatePath([]string{"notaroot", "status"}))
}

func TestOutputString(t *testing.T) {
	o := &Output{Lines: []OutputLine{{Pos: 1, Out: "b"}, {Pos: 0, Out: "a"}}}
	sorted := o.SortedLines()
	assert.Equal(t, "a", sorted[0].Out)
	assert.Equal(t, "b", sorted[1].Out)

	msg := &Output{Message: "direct message"}
	assert.Equal(t, "direct message", msg.String())
}

func TestNewOutputFromObject(t *testing.T) {
	out := NewOutputFromObject(map[string]any{"message": "boom"})
	assert.Equal(t, "boom", out.Message)

	out = NewOutputFromObject(map[string]any{"error": "oops"})
	assert.Equal(t, "oops", out.Message)
}
