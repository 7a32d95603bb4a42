package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewZerologLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(zerolog.New(&buf), "chat_server", zerolog.InfoLevel)

	t.Run("writes service and fields", func(t *testing.T) {
		buf.Reset()
		l.Info("user joined", Field{Key: "user", Value: "alice"})

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "chat_server", entry["service"])
		assert.Equal(t, "alice", entry["user"])
		assert.Equal(t, "user joined", entry["message"])
		assert.Equal(t, "info", entry["level"])
		assert.Contains(t, entry, "time")
	})

	t.Run("filters below level", func(t *testing.T) {
		buf.Reset()
		l.Debug("hidden")
		assert.Empty(t, buf.String())
	})

	t.Run("with adds fields", func(t *testing.T) {
		buf.Reset()
		l.With(Field{Key: "component", Value: "delivery"}).Warn("slow peer")
		assert.Contains(t, buf.String(), `"component":"delivery"`)
		assert.Contains(t, buf.String(), `"level":"warn"`)
	})

	t.Run("close without file", func(t *testing.T) {
		assert.NoError(t, l.Close())
	})
}

func TestNewConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(&buf, "chat_server", zerolog.DebugLevel)
	l.Error("listen failed", Field{Key: "port", Value: 8080})
	assert.Contains(t, buf.String(), "listen failed")
	assert.Contains(t, buf.String(), "port=8080")
}

func TestNewNop(t *testing.T) {
	l := NewNop()
	l.Info("dropped")
	l.With(Field{Key: "a", Value: 1}).Error("dropped")
	assert.NoError(t, l.Close())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewZerologFileLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := NewZerologFileLogger("chat_server", dir, zerolog.InfoLevel)
	require.NoError(t, err)

	l.Info("server started", Field{Key: "port", Value: 9000})
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	name := filepath.Join(dir, "chat_server_"+time.Now().Format(dateLayout)+".log")
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Contains(t, string(data), "server started")
}

func TestDailyFileWriter(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)

	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return day
	}

	w, err := newDailyFileWriter("chat_server", dir, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "chat_server_2024-05-01.log"), w.CurrentLogFile())

	_, err = w.Write([]byte("first\n"))
	require.NoError(t, err)

	t.Run("moves to a new file when the day changes", func(t *testing.T) {
		mu.Lock()
		day = day.Add(2 * time.Minute)
		mu.Unlock()

		_, err := w.Write([]byte("second\n"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "chat_server_2024-05-02.log"), w.CurrentLogFile())

		first, err := os.ReadFile(filepath.Join(dir, "chat_server_2024-05-01.log"))
		require.NoError(t, err)
		assert.Equal(t, "first\n", string(first))

		second, err := os.ReadFile(filepath.Join(dir, "chat_server_2024-05-02.log"))
		require.NoError(t, err)
		assert.Equal(t, "second\n", string(second))
	})

	t.Run("concurrent writes", func(t *testing.T) {
		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 20 {
					_, _ = w.Write([]byte("line\n"))
				}
			}()
		}
		wg.Wait()

		data, err := os.ReadFile(w.CurrentLogFile())
		require.NoError(t, err)
		assert.Equal(t, 200, strings.Count(string(data), "line\n"))
	})

	t.Run("write after close fails", func(t *testing.T) {
		require.NoError(t, w.Close())
		_, err := w.Write([]byte("late\n"))
		assert.ErrorIs(t, err, ErrWriterClosed)
		assert.Empty(t, w.CurrentLogFile())
	})
}
