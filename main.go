package main

import (
	"os"
	"runtime/debug"

	"github.com/mezonai/blockswarm/cmd"
	"github.com/mezonai/blockswarm/logx"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			_ = logx.Errorf("SERVER CRASHED: %v\n%s", r, debug.Stack())
			os.Exit(1)
		}
	}()

	cmd.Execute()
}
