// Package logger builds the application's zap logger.
//
// The mode selects the encoder ("development" for colored console output,
// "production" for JSON with ISO8601 timestamps) and the level sets the
// minimum severity. ForSession tags a logger with the session ID so every
// line emitted for one client connection and its sandbox can be correlated.
//
// Usage:
//
//	log, err := logger.NewFromConfig(cfg)
//	if err != nil {
//	    panic(err)
//	}
//	sessionLog := logger.ForSession(log, sessionID)
//	sessionLog.Info("client connected")
package logger
