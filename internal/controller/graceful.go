package controller

// graceful.go provides helpers for steps that report progress or problems
// but never fail the section: the extension audit, output collection, and
// removing the section home.

// StatusLogger receives progress, details and non-fatal problems.
type StatusLogger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// GracefulWarn logs a warning if logger is non-nil, using the given format and args.
// This helper eliminates the repeated pattern of:
//
//	if logger != nil {
//	    logger.Warnf(format, args...)
//	}
func GracefulWarn(logger StatusLogger, format string, args ...interface{}) {
	if logger != nil {
		logger.Warnf(format, args...)
	}
}

// GracefulInfo logs an info message if logger is non-nil.
// Companion to GracefulWarn for consistent logger nil-checking.
func GracefulInfo(logger StatusLogger, format string, args ...interface{}) {
	if logger != nil {
		logger.Infof(format, args...)
	}
}

// GracefulDebug logs a debug message if logger is non-nil.
func GracefulDebug(logger StatusLogger, format string, args ...interface{}) {
	if logger != nil {
		logger.Debugf(format, args...)
	}
}

// GracefulError logs an error message if logger is non-nil.
func GracefulError(logger StatusLogger, format string, args ...interface{}) {
	if logger != nil {
		logger.Errorf(format, args...)
	}
}
