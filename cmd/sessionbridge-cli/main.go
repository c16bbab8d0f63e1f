package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/bcombuddy/sessionbridge/pkg/cli"
	"github.com/bcombuddy/sessionbridge/pkg/config"
)

func main() {
	verbose := flag.Bool("v", false, "Log diagnostics to stderr")
	configFile := flag.String("config", os.Getenv(config.FileEnv), "Path to a YAML config file")
	stateDir := flag.String("state-dir", cli.DefaultStateDir(), "Directory holding the simulated browser storage")
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	log.SetLevel(logrus.WarnLevel)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	app := &cli.App{Config: cfg, StateDir: *stateDir, Out: os.Stdout, Log: log}
	if err := cli.NewRootCommand(app).Execute(os.Stdout, flag.Args()); err != nil {
		if !errors.Is(err, cli.ErrUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
