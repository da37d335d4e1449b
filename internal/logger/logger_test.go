package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetGlobal(New(&buf, Warn))
	defer SetGlobal(nil)

	Infof("hidden %d", 1)
	Warnf("visible %d", 2)
	Errorf("also visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "visible 2")
	assert.Contains(t, out, "also visible")
}

func TestDisabledLoggerIsSilent(t *testing.T) {
	assert.NoError(t, Init(false, "debug", "", true))
	defer SetGlobal(nil)
	Errorf("nothing")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, Debug, parseLevel("DEBUG"))
	assert.Equal(t, Warn, parseLevel("warning"))
	assert.Equal(t, Info, parseLevel("bogus"))
}
