package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name        string
		level       string
		development bool
		wantLevel   zapcore.Level
		wantErr     bool
	}{
		{name: "production info", level: "info", wantLevel: zapcore.InfoLevel},
		{name: "development debug", level: "debug", development: true, wantLevel: zapcore.DebugLevel},
		{name: "warn", level: "warn", wantLevel: zapcore.WarnLevel},
		{name: "invalid", level: "loud", wantErr: true},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			logger, err := New(tc.level, tc.development)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for level %q", tc.level)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !logger.Core().Enabled(tc.wantLevel) {
				t.Fatalf("level %v should be enabled", tc.wantLevel)
			}
			if tc.wantLevel > zapcore.DebugLevel && logger.Core().Enabled(tc.wantLevel-1) {
				t.Fatalf("level %v should be disabled", tc.wantLevel-1)
			}
		})
	}
}
