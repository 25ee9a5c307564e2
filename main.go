package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"leech/file"
	"leech/torrent"
)

func main() {
	logPath := flag.String("l", "", "write logs to this file instead of stderr")
	workers := flag.Int("w", torrent.DefaultConfig.Workers, "number of concurrent peer connections")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-l log-path] [-w workers] <torrent-file> <output-path>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// flags may also follow the two positional arguments
	args := flag.Args()
	if len(args) > 2 {
		flag.CommandLine.Parse(args[2:])
		args = append(args[:2:2], flag.Args()...)
	}

	if len(args) != 2 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := torrent.DefaultConfig
	cfg.Workers = *workers

	logger, closeLog, err := newLogger(*logPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()

	// progress bar and console logs fight over the terminal; file logging
	// keeps both
	if *logPath == "" {
		cfg.ShowDownloadProgress = false
	}

	tf, err := file.Open(args[0])
	if err != nil {
		logger.Fatal().Err(err).Msg("could not read torrent file")
	}

	t := torrent.NewTorrent(tf, args[1], cfg, logger)
	if err := t.Download(); err != nil {
		logger.Fatal().Err(err).Msg("download failed")
	}
}

// newLogger writes human-readable logs to stderr, or JSON lines to the
// given file when one is requested.
func newLogger(path string) (zerolog.Logger, func(), error) {
	if path == "" {
		writer := zerolog.ConsoleWriter{Out: os.Stderr}
		return zerolog.New(writer).With().Timestamp().Logger(), func() {}, nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("opening log file: %w", err)
	}
	return zerolog.New(f).With().Timestamp().Logger(), func() { f.Close() }, nil
}
