package main

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

func logInit(conf config) {

	var out io.Writer = os.Stderr
	if *conf.logFile != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   *conf.logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	log.SetDefault(log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05.000",
		Prefix:          "dmarc-rollup",
	}))

	log.SetLevel(log.InfoLevel)
	if *conf.logVerbose {
		log.SetLevel(log.DebugLevel)
	}

	// no condition here, as you'll only see the message if
	// Verbose logging really is enabled!
	log.Debug("Verbose logging enabled")
}
