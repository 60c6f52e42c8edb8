package logger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatFieldsSorted(t *testing.T) {
	got := formatFields(Fields{
		"session_id": "abc",
		"attempt":    2,
		"score":      5.5,
		"elapsed":    1500 * time.Millisecond,
	})

	assert.Equal(t, "{attempt=2, elapsed=1.5s, score=5.50, session_id=abc}", got)
	assert.Equal(t, "", formatFields(nil))
}

func TestMergeDoesNotMutate(t *testing.T) {
	base := WithSession("s-1", "generating")
	merged := base.Merge(Fields{"phase": "idle", "outcome": "passed"})

	assert.Equal(t, "generating", base["phase"])
	assert.Equal(t, "idle", merged["phase"])
	assert.Equal(t, "passed", merged["outcome"])
	assert.Equal(t, "s-1", merged["session_id"])
}

func TestConvertFieldsToMapStringifiesErrors(t *testing.T) {
	out := convertFieldsToMap(Fields{"error": errors.New("boom"), "n": 1})

	assert.Equal(t, "boom", out["error"])
	assert.Equal(t, 1, out["n"])
}

func TestLoggingWithoutSentryDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		Info("info", Fields{"k": "v"})
		Warn("warn", nil)
		Debug("debug", Fields{})
		Error("error", errors.New("x"), Fields{"request_id": "r"})
		Error("error without cause", nil, nil)
	})
}
