package log

import (
	"io"
	"regexp"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(level logrus.Level, debugOverride bool, filter *regexp.Regexp) (*Logger, *test.Hook) {
	l, hook := test.NewNullLogger()
	l.SetOutput(io.Discard)
	l.SetLevel(level)
	return New(l, debugOverride, filter), hook
}

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	l, hook := newTestLogger(logrus.DebugLevel, false, regexp.MustCompile(`^EventLoop:`))
	l.Debugf("EventLoop:wait", "waiting %d", 1)
	l.Debugf("Pipeline:run", "running")

	require.Len(t, hook.AllEntries(), 1)
	e := hook.LastEntry()
	assert.Equal(t, "waiting 1", e.Message)
	assert.Equal(t, "EventLoop:wait", e.Data["category"])
}

func TestLoggerLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		level         logrus.Level
		debugOverride bool
		log           func(l *Logger)
		want          int
	}{
		{
			name:  "debug_suppressed_at_info",
			level: logrus.InfoLevel,
			log:   func(l *Logger) { l.Debugf("c", "m") },
			want:  0,
		},
		{
			name:          "debug_override",
			level:         logrus.InfoLevel,
			debugOverride: true,
			log:           func(l *Logger) { l.Debugf("c", "m") },
			want:          1,
		},
		{
			name:  "warn_at_info",
			level: logrus.InfoLevel,
			log:   func(l *Logger) { l.Warnf("c", "m") },
			want:  1,
		},
		{
			name:  "trace_at_debug",
			level: logrus.DebugLevel,
			log:   func(l *Logger) { l.Tracef("c", "m") },
			want:  0,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			l, hook := newTestLogger(tt.level, tt.debugOverride, nil)
			tt.log(l)
			assert.Len(t, hook.AllEntries(), tt.want)
		})
	}
}

func TestLoggerSetters(t *testing.T) {
	t.Parallel()

	l, hook := newTestLogger(logrus.InfoLevel, false, nil)
	require.NoError(t, l.SetLevel("debug"))
	assert.True(t, l.DebugMode())
	require.Error(t, l.SetLevel("loud"))

	require.NoError(t, l.SetCategoryFilter("^Browser"))
	l.Infof("Window:open", "skipped")
	l.Infof("Browser:visit", "kept")
	require.Len(t, hook.AllEntries(), 1)

	require.NoError(t, l.SetCategoryFilter(""))
	l.Infof("Window:open", "kept")
	assert.Len(t, hook.AllEntries(), 2)

	require.Error(t, l.SetCategoryFilter("("))
}

func TestNullLogger(t *testing.T) {
	t.Parallel()

	l := NullLogger()
	l.Errorf("any", "nothing %s", "happens")
	var nl *Logger
	nl.Debugf("nil", "safe")
}
