package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic logs a recovered panic with its stack. Deferred at the top
// of background goroutines: the grant sweep, federated sign-in and
// provider start.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logRecovered(logger, where, r)
	}
}

// RecoverPanicWithCallback runs callback after logging, only when a panic
// was recovered.
func RecoverPanicWithCallback(logger *Logger, where string, callback func()) {
	r := recover()
	if r == nil {
		return
	}
	logRecovered(logger, where, r)
	if callback != nil {
		callback()
	}
}

// MustRecover turns a recovered value into an error.
func MustRecover(r interface{}) error {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}

func logRecovered(logger *Logger, where string, r interface{}) {
	if logger == nil {
		logger = NewNopLogger()
	}
	logger.WithFields(map[string]interface{}{
		"panic": fmt.Sprint(r),
		"where": where,
		"stack": string(debug.Stack()),
	}).Error("recovered panic")
}
