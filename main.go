package main

import (
	"os"
	"time"

	"github.com/kfsoftware/kernelbridge/cmd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logLevel := os.Getenv("LOG_LEVEL")
	zeroLogLevel, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		zeroLogLevel = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger().Level(zeroLogLevel)
	if err := cmd.NewCmdKernelBridge().Execute(); err != nil {
		os.Exit(1)
	}
}
