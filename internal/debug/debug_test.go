package debug

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogLevel(t *testing.T) {
	for _, testcase := range []struct {
		name  string
		level slog.Level
		wants int
	}{
		{
			name:  "UnfilteredLevel",
			level: slog.LevelDebug,
			wants: 2,
		},
		{
			name:  "DefaultLevelInfo",
			level: slog.LevelInfo,
			wants: 1,
		},
	} {
		t.Run(testcase.name, func(t *testing.T) {
			buf := bytes.NewBuffer(nil)

			RegisterLogger(slog.NewJSONHandler(buf, &slog.HandlerOptions{
				Level: testcase.level,
			}))
			defer RegisterLogger(noOp{})

			Log(1, "noteworthy %d", 1)
			Log(2, "per-frame %d", 2)

			require.Equal(t, testcase.wants, strings.Count(buf.String(), "\n"))
		})
	}
}

func TestAssert(t *testing.T) {
	for _, testcase := range []struct {
		name       string
		comparison bool
		wants      bool
	}{
		{
			name:       "ComparisonIsTrue",
			comparison: true,
			wants:      false,
		},
		{
			name:       "ComparisonIsFalse",
			comparison: false,
			wants:      true,
		},
	} {
		t.Run(testcase.name, func(t *testing.T) {
			buf := bytes.NewBuffer(nil)

			RegisterLogger(slog.NewJSONHandler(buf, &slog.HandlerOptions{}))
			defer RegisterLogger(noOp{})

			Assert(testcase.comparison, "always true")

			require.Equal(t, testcase.wants, buf.Len() > 0)
		})
	}
}
