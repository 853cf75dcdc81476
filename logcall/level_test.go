package logcall

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  Level
		ok    bool
	}{
		{"lower", "info", LevelInfo, true},
		{"upper", "WARN", LevelWarn, true},
		{"mixed_space", " Trace ", LevelTrace, true},
		{"unknown", "loud", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, ok := ParseLevel(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, level)
		})
	}
}

func TestLevelLogFunc(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Tracef", LevelTrace.logFunc(false))
	assert.Equal(t, "Errorw", LevelError.logFunc(true))
	for _, l := range Levels {
		assert.Len(t, l.logFunc(false), len(l)+1)
	}
}
