// Package accesslog logs completed FastCGI requests, gated behind the
// same AccessLog toggle and structured-field style the rest of this
// codebase's logging uses.
package accesslog

import "github.com/sirupsen/logrus"

// Logger logs one line per completed request when enabled.
type Logger struct {
	enabled bool
	logger  *logrus.Logger
}

// New builds a Logger. enabled mirrors config.Config.AccessLog.
func New(enabled bool, logger *logrus.Logger) *Logger {
	return &Logger{enabled: enabled, logger: logger}
}

// Completion is the subset of a finished request accesslog needs,
// decoupled from *fcgi.Request so this package does not depend on the
// protocol engine it is logging.
type Completion struct {
	ConnectionID uint64
	RequestID    uint16
	ScriptName   string
	RequestURI   string
	RequestMethod string
	AppStatus    uint32
	StdinBytes   int
	StdoutBytes  int
}

// LogRequest records one completed request.
func (l *Logger) LogRequest(c Completion) {
	if !l.enabled {
		return
	}
	l.logger.WithFields(logrus.Fields{
		"conn":        c.ConnectionID,
		"request":     c.RequestID,
		"method":      c.RequestMethod,
		"script":      c.ScriptName,
		"uri":         c.RequestURI,
		"app_status":  c.AppStatus,
		"stdin_bytes": c.StdinBytes,
		"stdout_bytes": c.StdoutBytes,
	}).Info("access")
}

// LogConnectionClosed records a connection's lifetime summary.
func (l *Logger) LogConnectionClosed(connectionID uint64, requestsServed int) {
	if !l.enabled {
		return
	}
	l.logger.WithFields(logrus.Fields{
		"conn":            connectionID,
		"requests_served": requestsServed,
	}).Info("connection closed")
}
