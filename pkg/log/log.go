package log

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. It starts as a no-op, so library
// consumers (and tests) that never configure logging stay silent; the
// daemon calls Setup once at start.
var Logger = zerolog.Nop()

// Setup configures the root logger. The level string is parsed by zerolog
// itself ("debug", "info", "warn", "error", ...); an unknown level is an
// error rather than a silent fallback. JSON output is for production;
// otherwise a console writer with RFC3339 timestamps is used. A nil out
// defaults to stderr, keeping stdout free for command output.
func Setup(level string, json bool, out io.Writer) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("unknown log level %q: %w", level, err)
	}

	if out == nil {
		out = os.Stderr
	}
	if !json {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	// Consensus timings (election timeouts, heartbeat gaps) are
	// millisecond-scale; render durations in that unit.
	zerolog.DurationFieldUnit = time.Millisecond

	Logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return nil
}

// WithComponent creates a child logger with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID creates a child logger with a node_id field. Every consensus
// log line carries the node id, since the test harness runs several nodes
// in one process.
func WithNodeID(nodeID uint64) zerolog.Logger {
	return Logger.With().Uint64("node_id", nodeID).Logger()
}

// WithCluster creates a child logger with a cluster field.
func WithCluster(name string) zerolog.Logger {
	return Logger.With().Str("cluster", name).Logger()
}
