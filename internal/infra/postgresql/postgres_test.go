package postgresql

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapWriterLogsAtWarn(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.DebugLevel)
	w := zapWriter{zap.New(core).Sugar()}

	w.Printf("SLOW SQL >= %v [%d rows] %s", "500ms", 3, "SELECT 1")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("level = %s, want warn", entries[0].Level)
	}
	if entries[0].Message != "SLOW SQL >= 500ms [3 rows] SELECT 1" {
		t.Fatalf("message = %q", entries[0].Message)
	}
}
