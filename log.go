package milter

import (
	"fmt"
	"log"
)

func logWarning(format string, v ...interface{}) {
	log.Printf(fmt.Sprintf("milter: warning: %s", format), v...)
}

func logInfo(format string, v ...interface{}) {
	log.Printf(fmt.Sprintf("milter: info: %s", format), v...)
}

func logDebug(format string, v ...interface{}) {
	log.Printf(fmt.Sprintf("milter: debug: %s", format), v...)
}

// LogWarning is called by this library when it wants to output a warning.
// Warnings can happen even when the library user did everything right (because the other end did something wrong)
//
// The default implementation uses [log.Print] to output the warning.
// You can re-assign LogWarning to something more suitable for your application. But do not assign nil to it.
var LogWarning = logWarning

// LogInfo is called by this library to output routine operational messages (session start/end, negotiated options).
//
// The default implementation uses [log.Print]. Re-assign it to route these messages through your own logger.
var LogInfo = logInfo

// LogDebug is called by this library to output verbose, per-command tracing useful while developing a [Milter].
//
// The default implementation uses [log.Print]. Re-assign it to route these messages through your own logger.
var LogDebug = logDebug
