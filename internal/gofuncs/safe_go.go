package gofuncs

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// SafeGo runs fn on a new goroutine. A panic is logged with its stack before being
// re-raised, so it is not lost when the terminal UI owns stdout.
func SafeGo(logger logrus.FieldLogger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.WithField("goroutine", name).Errorf("PANIC: %v\n%s", r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	}()
}
