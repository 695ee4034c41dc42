package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/takaraflow/drive-collector-js-sub006/go/collector"
)

type cmdServe struct {
	collector.Config
	Log LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd *cmdServe) Execute(_ []string) error {
	initLog(cmd.Log)

	log.WithFields(log.Fields{
		"port":   cmd.Webhook.Port,
		"region": cmd.Coordinator.Region,
	}).Info("drive-collector starting")

	var ctx, cancel = signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := collector.New(ctx, cmd.Config)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

func main() {
	var parser = flags.NewParser(nil, flags.Default)

	_, _ = parser.AddCommand("serve", "Run the drive collector", `
Run the drive collector with the provided configuration, until signaled
to exit (via SIGINT or SIGTERM). Upon receiving a signal the collector
stops accepting work, winds down its subsystems, and drains in-flight
webhook requests before exiting.
`, new(cmdServe))

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
