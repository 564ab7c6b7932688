package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/common/models"
)

type testLogger struct{}

func (testLogger) Info(msg string, kv ...interface{})  {}
func (testLogger) Error(msg string, kv ...interface{}) {}
func (testLogger) Warn(msg string, kv ...interface{})  {}
func (testLogger) Debug(msg string, kv ...interface{}) {}

type stubExecutor struct {
	result interface{}
	err    error
}

func (s *stubExecutor) Execute(ctx context.Context, job *models.QueueJob) (interface{}, error) {
	return s.result, s.err
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	stub := &stubExecutor{result: "ok"}
	r.Register("http", stub)

	ex, err := r.Resolve("http")
	require.NoError(t, err)
	assert.Same(t, Executor(stub), ex)

	assert.ElementsMatch(t, []string{"http"}, r.Types())
}

func TestRegistryUnknownTypeIsFatal(t *testing.T) {
	r := NewRegistry()

	_, err := r.Resolve("teleport")
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestFatalClassification(t *testing.T) {
	assert.Nil(t, Fatal(nil))

	base := errors.New("bad input")
	fatal := Fatal(base)
	assert.True(t, IsFatal(fatal))
	assert.ErrorIs(t, fatal, base)

	// wrapping preserves the classification
	wrapped := fmt.Errorf("outer: %w", fatal)
	assert.True(t, IsFatal(wrapped))

	assert.False(t, IsFatal(errors.New("transient")))
}

func TestParamWithOverridesAction(t *testing.T) {
	job := &models.QueueJob{
		Action: map[string]interface{}{"url": "http://from-action"},
		InputContext: map[string]interface{}{
			"with": map[string]interface{}{"url": "http://from-with"},
		},
	}
	assert.Equal(t, "http://from-with", Param(job, "url"))
	assert.Equal(t, "", Param(job, "missing"))

	// empty with-value falls back to the action spec
	job.InputContext["with"].(map[string]interface{})["url"] = ""
	assert.Equal(t, "http://from-action", Param(job, "url"))
}

func TestParamMapWithOverridesAction(t *testing.T) {
	job := &models.QueueJob{
		Action: map[string]interface{}{
			"headers": map[string]interface{}{"X-Source": "action"},
		},
		InputContext: map[string]interface{}{
			"with": map[string]interface{}{
				"headers": map[string]interface{}{"X-Source": "with"},
			},
		},
	}
	assert.Equal(t, "with", ParamMap(job, "headers")["X-Source"])
	assert.Nil(t, ParamMap(job, "missing"))
}
