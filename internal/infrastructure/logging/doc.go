// Package logging builds the process logger on uber/zap.
//
// Production mode writes JSON; development mode writes colored console
// output with stack traces on warnings and above. Components take a plain
// *zap.Logger and fall back to zap.NewNop() when none is given, so only
// binaries construct loggers through this package.
//
//	logger, err := logging.New(logging.Config{Level: "debug", Development: true})
//	defer logger.Sync()
//	logger.Info("Server starting", zap.String("addr", addr))
package logging
