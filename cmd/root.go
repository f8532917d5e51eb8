package cmd

import (
	"io"
	"os"

	"github.com/mezonai/blockswarm/logx"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logDebug  bool
	logStdout bool
	logFile   string
)

var rootCmd = &cobra.Command{
	Use:   "blockswarm",
	Short: "Swarm server hosting model blocks",
	Long:  "Command line interface for running a blockswarm server that hosts a range of model blocks and keeps the swarm balanced.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		configureLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&logDebug, "debug", false, "Enable debug logs")
	rootCmd.PersistentFlags().BoolVar(&logStdout, "log-stdout", false, "Also write logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Rotated log file, defaults to ./logs/blockswarm.log")
}

func configureLogging() {
	if logDebug {
		logx.SetDebug(true)
	}
	if logFile == "" && !logStdout {
		return
	}
	var out io.Writer = os.Stderr
	if logFile != "" {
		rotated := &lumberjack.Logger{Filename: logFile, MaxSize: 100, MaxAge: 7}
		out = rotated
		if logStdout {
			out = io.MultiWriter(rotated, os.Stderr)
		}
	} else {
		// keep the default rotated file alongside stderr
		out = io.MultiWriter(logx.Output(), os.Stderr)
	}
	logx.SetOutput(out)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logx.Error("CMD", "Command execution failed:", err)
		os.Exit(1)
	}
}
