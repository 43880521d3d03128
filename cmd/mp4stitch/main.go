// Package main contains the command-line interface of mp4stitch.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"

	"github.com/mp4stitch/mp4stitch/internal/conf"
	"github.com/mp4stitch/mp4stitch/pkg/logger"
	"github.com/mp4stitch/mp4stitch/pkg/remux"
)

var version = "v0.0.0"

var defaultConfPaths = []string{
	"mp4stitch.yml",
	"/usr/local/etc/mp4stitch.yml",
	"/usr/etc/mp4stitch.yml",
	"/etc/mp4stitch/mp4stitch.yml",
}

var cli struct {
	Version  bool     `help:"print version"`
	Confpath string   `short:"c" help:"path to a config file"`
	Output   string   `arg:"" help:"path of the output file"`
	Segments []string `arg:"" help:"paths of the segments to concatenate, in order"`
}

func run(args []string) error {
	parser, err := kong.New(&cli,
		kong.Description("mp4stitch "+version),
		kong.UsageOnError())
	if err != nil {
		panic(err)
	}

	_, err = parser.Parse(args)
	parser.FatalIfErrorf(err)

	if cli.Version {
		fmt.Println(version)
		return nil
	}

	cnf, confPath, err := conf.Load(cli.Confpath, defaultConfPaths)
	if err != nil {
		return err
	}

	log, err := logger.New(
		cnf.LoggerLevel(),
		cnf.LoggerDestinations(),
		cnf.LogFile,
		"mp4stitch")
	if err != nil {
		return err
	}
	defer log.Close()

	log.Log(logger.Info, "mp4stitch %s", version)
	if confPath != "" {
		log.Log(logger.Info, "configuration loaded from %s", confPath)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	s := &remux.Session{
		Segments:   cli.Segments,
		OutputPath: cli.Output,
		Parent:     log,
		OnProgress: func(segmentIndex int, counts map[remux.TrackKind]uint64) {
			log.Log(logger.Info, "segment %d/%d done (samples: %v)",
				segmentIndex+1, len(cli.Segments), counts)
		},
	}

	err = s.Run(ctx)
	if err != nil {
		return err
	}

	log.Log(logger.Info, "output written to %s", cli.Output)
	return nil
}

func main() {
	err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERR: %s\n", err)
		os.Exit(1)
	}
}
