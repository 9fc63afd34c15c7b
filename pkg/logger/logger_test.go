package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeKVsRedactsSecrets(t *testing.T) {
	out := sanitizeKVs([]interface{}{"lesson_id", "abc", "api_key", "sk-123", "Redis_Password", "pw"})
	assert.Equal(t, []interface{}{"lesson_id", "abc", "api_key", "[REDACTED]", "Redis_Password", "[REDACTED]"}, out)
}

func TestSanitizeKVsKeepsDanglingKey(t *testing.T) {
	out := sanitizeKVs([]interface{}{"a", 1, "dangling"})
	assert.Equal(t, []interface{}{"a", 1, "dangling"}, out)
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	l := NewNop().With("component", "test")
	l.Info("hello", "k", "v")
	l.Sync()
}
