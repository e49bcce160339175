package runlog

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronpilot/cronpilot/logger"
)

func newTestFileLogger(t *testing.T) *FileLogger {
	t.Helper()
	l, err := NewFileLogger(t.TempDir(), logger.NewTestLogger())
	require.NoError(t, err)
	return l
}

func TestFileLoggerWriteAndRead(t *testing.T) {
	l := newTestFileLogger(t)

	require.NoError(t, l.Write("j1", "a1", []byte("line one\n")))
	require.NoError(t, l.Write("j1", "a1", []byte("line two\n")))
	require.NoError(t, l.Finish("j1", "a1"))

	content, err := l.Read("j1", "a1", 0)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", content)

	tail, err := l.Read("j1", "a1", 1)
	require.NoError(t, err)
	assert.Equal(t, "line two\n", tail)
}

func TestFileLoggerSeparatesAttempts(t *testing.T) {
	l := newTestFileLogger(t)

	require.NoError(t, l.Write("j1", "a1", []byte("first\n")))
	require.NoError(t, l.Write("j1", "a2", []byte("second\n")))
	require.NoError(t, l.Finish("j1", "a1"))
	require.NoError(t, l.Finish("j1", "a2"))

	assert.NotEqual(t, l.Ref("j1", "a1"), l.Ref("j1", "a2"))

	content, err := l.Read("j1", "a2", 0)
	require.NoError(t, err)
	assert.Equal(t, "second\n", content)
}

func TestFileLoggerFinishIsIdempotent(t *testing.T) {
	l := newTestFileLogger(t)

	require.NoError(t, l.Write("j1", "a1", []byte("x\n")))
	require.NoError(t, l.Finish("j1", "a1"))
	require.NoError(t, l.Finish("j1", "a1"))
}

func TestFileLoggerPrune(t *testing.T) {
	l := newTestFileLogger(t)

	require.NoError(t, l.Write("j1", "old", []byte("x\n")))
	require.NoError(t, l.Finish("j1", "old"))
	require.NoError(t, l.Write("j1", "new", []byte("y\n")))
	require.NoError(t, l.Finish("j1", "new"))

	oldPath := l.Ref("j1", "old")
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, past, past))

	removed, err := l.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(l.Ref("j1", "new"))
	assert.NoError(t, err)
}

func TestZapLoggerRef(t *testing.T) {
	l := NewZapLogger(logger.NewTestLogger())
	require.NoError(t, l.Write("j1", "a1", []byte("hello\n")))
	assert.Equal(t, "log:j1/a1", l.Ref("j1", "a1"))
	require.NoError(t, l.Finish("j1", "a1"))
}
