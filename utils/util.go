package utils

import (
	"crypto/sha1"
	"encoding/hex"
	"runtime/debug"
	"strings"

	log "github.com/sirupsen/logrus"
)

// StackTraceFromPanic logs the stack trace of a recovered panic and re-panics.
// Must be deferred directly.
func StackTraceFromPanic(logger *log.Entry) {
	if r := recover(); r != nil {
		logger.Errorf("stacktrace from panic: %s", string(debug.Stack()))
		logger.Panic(r)
	}
}

// MakeHash returns a hex encoded sha1 hash of the given parts joined by "|"
func MakeHash(parts ...string) string {
	hasher := sha1.New()
	hasher.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hasher.Sum(nil))
}
