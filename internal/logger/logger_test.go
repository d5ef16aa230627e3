package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestProcessWriters_DirDerivesRunnerFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runners")
	cfg := Config{File: FileConfig{Dir: dir}}

	stdout, stderr, err := cfg.ProcessWriters("orders.api")
	require.NoError(t, err)
	require.NotNil(t, stdout)
	require.NotNil(t, stderr)
	_, _ = stdout.Write([]byte("listening\n"))
	_, _ = stderr.Write([]byte("warming up\n"))
	require.NoError(t, stdout.Close())
	require.NoError(t, stderr.Close())

	for _, name := range []string{"orders.api.stdout.log", "orders.api.stderr.log"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestProcessWriters_ExplicitPathWinsOverDir(t *testing.T) {
	dir := t.TempDir()
	shared := filepath.Join(dir, "all.out.log")
	cfg := Config{File: FileConfig{Dir: dir, StdoutPath: shared}}

	stdout, stderr, err := cfg.ProcessWriters("probe")
	require.NoError(t, err)
	assert.Equal(t, shared, stdout.(*lj.Logger).Filename)
	assert.Equal(t, filepath.Join(dir, "probe.stderr.log"), stderr.(*lj.Logger).Filename)
}

func TestProcessWriters_NothingConfigured(t *testing.T) {
	stdout, stderr, err := Config{}.ProcessWriters("probe")
	require.NoError(t, err)
	assert.Nil(t, stdout)
	assert.Nil(t, stderr)
}

func TestProcessWriters_Rotation(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name               string
		file               FileConfig
		size, backups, age int
		compress           bool
	}{
		{"defaults", FileConfig{StderrPath: filepath.Join(dir, "a.log")}, DefaultMaxSizeMB, DefaultMaxBackups, DefaultMaxAgeDays, false},
		{"overrides", FileConfig{StderrPath: filepath.Join(dir, "b.log"), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}, 1, 9, 11, true},
		{"negative means default", FileConfig{StderrPath: filepath.Join(dir, "c.log"), MaxSizeMB: -4}, DefaultMaxSizeMB, DefaultMaxBackups, DefaultMaxAgeDays, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr, err := Config{File: tt.file}.ProcessWriters("r")
			require.NoError(t, err)
			assert.Nil(t, stdout, "only stderr was configured")
			l, ok := stderr.(*lj.Logger)
			require.True(t, ok)
			assert.Equal(t, tt.size, l.MaxSize)
			assert.Equal(t, tt.backups, l.MaxBackups)
			assert.Equal(t, tt.age, l.MaxAge)
			assert.Equal(t, tt.compress, l.Compress)
		})
	}
}

func TestProcessWriters_BadDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, _, err := Config{File: FileConfig{Dir: filepath.Join(file, "sub")}}.ProcessWriters("r")
	assert.Error(t, err)
}
