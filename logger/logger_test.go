package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	cases := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}

	for _, tc := range cases {
		l := New(tc.level, "json")
		assert.True(t, l.Core().Enabled(tc.want), tc.level)
		if tc.want > zapcore.DebugLevel {
			assert.False(t, l.Core().Enabled(tc.want-1), tc.level)
		}
	}
}

func TestConsoleFormat(t *testing.T) {
	l := New("info", "console")
	assert.NotNil(t, l)
	l.Sugar().Infow("console logger works", "iface", "eth0")
}
