package logger

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"voice-fusion/app/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestUntilMidnight(t *testing.T) {
	now := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Minute+time.Second, untilMidnight(now))

	now = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 24*time.Hour+time.Second, untilMidnight(now))
}

func TestRotationDuringWrites(t *testing.T) {
	dir := t.TempDir()
	rotator := &lumberjack.Logger{Filename: filepath.Join(dir, logFileName), LocalTime: true}
	l := &Logger{}
	l.startRotation(rotator, func(time.Time) time.Duration { return time.Millisecond })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, err := rotator.Write([]byte("line\n"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	time.Sleep(5 * time.Millisecond)

	l.cancelFunc()
	l.wg.Wait()
	require.NoError(t, rotator.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 2)
}

func TestNewWritesToConfiguredDir(t *testing.T) {
	dir := t.TempDir()
	l := New(config.LogConfig{Level: "info", Format: "json", Output: "file", Dir: dir})
	l.Infof("任务开始: JobID=%s", "job-1")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, logFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "job-1")
}

func TestSetLevel(t *testing.T) {
	l := New(config.LogConfig{Level: "info", Output: "stdout"})
	l.SetLevel("debug")
	assert.Equal(t, "debug", l.Level().String())
}
