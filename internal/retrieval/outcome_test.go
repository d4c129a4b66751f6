package retrieval

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutcomeValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Skipped("u", "/out/a/a.epw").Validate())
	assert.NoError(t, Succeeded("u", "/out/a/a.epw", 10).Validate())
	assert.NoError(t, Failed("u", StageExtract, errors.New("bad zip")).Validate())

	assert.Error(t, Skipped("u", "").Validate())
	assert.Error(t, Outcome{URL: "u", Status: StatusSuccess, Path: "p", Err: errors.New("x")}.Validate())
	assert.Error(t, Outcome{URL: "u", Status: StatusFailure, Stage: StageFetch}.Validate())
	assert.Error(t, Outcome{URL: "u", Status: StatusFailure, Stage: StageFetch, Err: errors.New("x"), Path: "p"}.Validate())
	assert.Error(t, Outcome{URL: "u", Status: StatusFailure, Stage: "parse", Err: errors.New("x")}.Validate())
	assert.Error(t, Outcome{URL: "u"}.Validate())
}

func TestFailedNeverHasNilCause(t *testing.T) {
	t.Parallel()

	out := Failed("u", StageWrite, nil)
	assert.Error(t, out.Err)
	assert.NoError(t, out.Validate())
}
