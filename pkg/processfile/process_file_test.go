package processfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/logging"
)

func TestManager_WriteReadRemove(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pids")
	m := NewManager(Config{Directory: dir}, logging.NewNopLogger())
	assert.Equal(t, dir, m.Directory())
	assert.Equal(t, filepath.Join(dir, "web.pid"), m.PIDFilePath("web"))

	require.NoError(t, m.WritePIDFile("web", 4242))
	pid, err := m.ReadPIDFile("web")
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	require.NoError(t, m.RemovePIDFile("web"))
	_, err = m.ReadPIDFile("web")
	assert.True(t, errors.IsNotFoundError(err))

	// Removing twice is fine
	require.NoError(t, m.RemovePIDFile("web"))
}

func TestManager_InvalidContent(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(Config{Directory: dir}, logging.NewNopLogger())
	require.NoError(t, os.WriteFile(m.PIDFilePath("web"), []byte("not a pid"), 0o644))

	_, err := m.ReadPIDFile("web")
	assert.True(t, errors.IsValidationError(err))
}

func TestManager_DirectoryIsAFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	m := NewManager(Config{Directory: file}, logging.NewNopLogger())

	err := m.WritePIDFile("web", 1)
	assert.True(t, errors.IsValidationError(err))
}

func TestManager_DefaultDirectory(t *testing.T) {
	m := NewManager(Config{Context: SessionService, AppName: "demo"}, logging.NewNopLogger())
	assert.Equal(t, "demo", filepath.Base(m.Directory()))

	m = NewManager(Config{}, logging.NewNopLogger())
	assert.Equal(t, DefaultAppName, filepath.Base(m.Directory()))
}
