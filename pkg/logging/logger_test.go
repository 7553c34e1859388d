package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFormats(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, false)
	l.Debug("hidden")
	l.WithField("upload_id", "u1").Info("upload registered")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "upload registered", entry["msg"])
	assert.Equal(t, "u1", entry["upload_id"])

	buf.Reset()
	l = New(&buf, true)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	l.Debug("transfer state")
	assert.Contains(t, buf.String(), "msg=\"transfer state\"")
}

func TestDefaultBeforeInit(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	Log = nil
	assert.NotNil(t, Default())

	InitLogger(true)
	assert.Same(t, Log, Default())
}
