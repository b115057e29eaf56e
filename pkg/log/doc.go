// Package log provides the logging abstraction used across chatsync.
//
// Library code logs through the [Logger] interface only. A zerolog-backed
// adapter is provided for binaries and a no-op logger for tests and
// embedders that do not want output:
//
//	logger := log.NewZerologAdapterWithLogger(zerolog.New(os.Stderr))
//	logger.Info("queue flushed", log.Int("delivered", 3))
//
// Implement [Logger] to route chatsync output into an existing logging
// setup.
package log
