package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture redirects the logger into a buffer for one test.
func capture(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	out, prev := logger.Out, GetLevel()
	logger.SetOutput(&buf)
	SetLevel(level)
	t.Cleanup(func() {
		logger.SetOutput(out)
		SetLevel(prev)
	})
	return &buf
}

func TestSetLevel(t *testing.T) {
	buf := capture(t, InfoLevel)

	Debugf("handshake initiation sent")
	assert.Empty(t, buf.String())

	Infof("tunnel up")
	assert.Contains(t, buf.String(), "tunnel up")
	assert.Equal(t, InfoLevel, GetLevel())
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DebugLevel,
		"trace":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		" error ": ErrorLevel,
		"":        InfoLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestWithComponent(t *testing.T) {
	buf := capture(t, InfoLevel)

	WithComponent("pump").Info("egress started")
	assert.Contains(t, buf.String(), "component=pump")
	assert.Contains(t, buf.String(), "egress started")
}

func TestSecretFieldsRedacted(t *testing.T) {
	buf := capture(t, DebugLevel)

	WithFields(logrus.Fields{
		"PrivateKey": "yAnz5TF+lXXJte14tji3zlMNq+hd2rYUIgJBgB3fBmk=",
		"password":   "hunter2",
		"peer":       "xTIBA5rb...mZqp8Dg=",
	}).Info("profile loaded")
	WarnWithFields(logrus.Fields{"psk": "c2VjcmV0"}, "preshared key set")

	out := buf.String()
	assert.NotContains(t, out, "yAnz5TF")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "c2VjcmV0")
	assert.Contains(t, out, "PrivateKey=\"<redacted>\"")
	assert.Contains(t, out, "peer=")
}

func TestShortKey(t *testing.T) {
	key := "xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg="
	assert.Equal(t, "xTIBA5rb...mZqp8Dg=", ShortKey(key))
	assert.Equal(t, "short", ShortKey("short"))
}

func TestFileLogging(t *testing.T) {
	out := logger.Out
	defer logger.SetOutput(out)
	SetLevel(InfoLevel)

	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, EnableFileLogging(dir, "vpncore.log", 10, 3, 7))
	Infof("rekey #%d done", 3)

	content, err := os.ReadFile(filepath.Join(dir, "vpncore.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "rekey #3 done")
}

func TestSetFormatter(t *testing.T) {
	buf := capture(t, InfoLevel)
	SetFormatter(&logrus.JSONFormatter{})
	defer SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	DebugWithFields(logrus.Fields{"state": "CONNECTED"}, "dropped at info level")
	WithComponent("handler").Infof("state change")

	assert.NotContains(t, buf.String(), "dropped at info level")
	assert.Contains(t, buf.String(), `"level":"info"`)
	assert.Contains(t, buf.String(), `"msg":"state change"`)
	assert.Contains(t, buf.String(), `"component":"handler"`)
}

func TestSetOutput(t *testing.T) {
	out := logger.Out
	defer SetOutput(out)

	var buf bytes.Buffer
	SetOutput(&buf)
	Warnf("keepalive failed (%d in a row)", 2)
	assert.Contains(t, buf.String(), "keepalive failed (2 in a row)")
}
