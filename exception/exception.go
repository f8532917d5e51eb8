package exception

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/mezonai/blockswarm/logx"
	"github.com/mezonai/blockswarm/monitoring"
)

// SafeGo runs fn in a goroutine, logging and counting any panic.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				monitoring.IncreasePanicCount()
				logx.Error("PANIC", "Panic in:", name, r, string(debug.Stack()))
			}
		}()
		fn()
	}()
}

// SafeGoWithPanic is SafeGo for goroutines the process cannot survive without.
func SafeGoWithPanic(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				monitoring.IncreasePanicCount()
				logx.Error("PANIC", "Panic in:", name, r, string(debug.Stack()))
				os.Exit(1)
			}
		}()
		fn()
	}()
}

// Recover runs fn synchronously and turns a panic into an error, so a
// collaborator misbehaving during one lifecycle step cannot skip the rest.
func Recover(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.IncreasePanicCount()
			logx.Error("PANIC", "Panic in:", name, r, string(debug.Stack()))
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	return fn()
}
