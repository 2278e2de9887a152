package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/jessevdk/go-flags"

	"dealwatch/internal/app"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

type options struct {
	Config      string        `short:"c" long:"config" env:"DEALWATCH_CONFIG" default:"./dealwatch.yaml" description:"Path to the config file (yaml or json)"`
	LogLevel    string        `long:"log-level" env:"DEALWATCH_LOG_LEVEL" description:"Override the configured log level"`
	StopTimeout time.Duration `long:"stop-timeout" env:"DEALWATCH_STOP_TIMEOUT" default:"30s" description:"How long to wait for a graceful shutdown"`
	Version     bool          `short:"V" long:"version" description:"Print the version and exit"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		os.Exit(2)
	}
	if opts.Version {
		fmt.Println("dealwatch", version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(opts.Config, opts.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), opts.StopTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown:", err)
		os.Exit(1)
	}
}
