/*
Package log provides structured logging for openraft using zerolog.

The root logger starts as a no-op: a library consumer that never calls
Setup gets silence, not surprise output. The daemon configures it once at
start and everything downstream derives child loggers carrying context
fields:

	if err := log.Setup("info", true, nil); err != nil {
		// unknown level string
	}

	raftLog := log.WithNodeID(2)
	raftLog.Info().Uint64("term", 5).Msg("vote granted")

Consensus-relevant transitions (role changes, elections, snapshot builds)
are logged at info level; per-RPC traffic is logged at debug and is
zero-cost when the level is disabled. Durations render in milliseconds,
matching the scale of election timeouts and heartbeat gaps.
*/
package log
