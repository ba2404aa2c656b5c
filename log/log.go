package log

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	// Log absolutely nothing
	LOGLEVEL_NONE int = iota
	// Log situations that are not expected to happen and
	// are difficult to handle (e.g. by dropping a message without further consideration)
	LOGLEVEL_ERRORS
	// Log non-critical situations that might happen, but shouldn't (e.g. unknown methods)
	LOGLEVEL_WARNINGS
	// Log situations that are expected, but important for the operation
	LOGLEVEL_INFO
	// Log everything
	LOGLEVEL_DEBUG
)

var logger *logrus.Logger
var loglevel int

func init() {
	logger = logrus.New()
	// Level filtering happens in BRPC_log; logrus itself passes everything through.
	logger.SetLevel(logrus.DebugLevel)
	loglevel = LOGLEVEL_WARNINGS
}

// Set the global RPC log level
func SetLoglevel(ll int) {
	loglevel = ll
}

// Replace the backing logrus logger, e.g. to redirect output or change the formatter.
func SetLogger(l *logrus.Logger) {
	logger = l
}

// Performance-enhancer: Prevent unnecessary log calls
func IsLoggingEnabled(ll int) bool {
	return loglevel >= ll
}

func BRPC_log(ll int, what ...interface{}) {
	if ll > loglevel || ll == LOGLEVEL_NONE {
		return
	}
	msg := strings.TrimSuffix(fmt.Sprintln(what...), "\n")
	switch ll {
	case LOGLEVEL_ERRORS:
		logger.Error(msg)
	case LOGLEVEL_WARNINGS:
		logger.Warn(msg)
	case LOGLEVEL_INFO:
		logger.Info(msg)
	default:
		logger.Debug(msg)
	}
}

func mapToChar(i int) byte {
	i = i % (10 + 26 + 26)
	if i < 10 {
		return byte('0' + i)
	} else if i < 10+26 {
		return byte('A' + i - 10)
	} else if i < 10+26+26 {
		return byte('a' + i - 10 - 26)
	}
	return byte('_')
}

// Returns a short random alphanumeric string.
// This is used to assign special tokens to RPCs in order to track them across log lines.
func GetLogToken() string {
	str := make([]byte, 6)
	for i := range str {
		str[i] = mapToChar(rand.Int())
	}
	return string(str)
}
