// Command scalefxd is the host-side controller process for the rig: it
// takes a configuration path, runs until signalled, and exits 0 on
// clean shutdown or 1 on init failure.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/scalefx-rig/scalefxd/internal/config"
	"github.com/scalefx-rig/scalefxd/internal/rig"
)

func main() {
	var logLevel = pflag.StringP("log-level", "l", "", "Log level: debug, info, warn, error (overrides config file)")
	var help = pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - host-side controller for the scale-model FX rig.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <config.yaml>\n\n", os.Args[0])
		pflag.PrintDefaults()
	}

	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(pflag.Arg(0))
	if err != nil {
		log.Error("loading configuration", "err", err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	if level != "" {
		if parsed, err := log.ParseLevel(level); err == nil {
			log.SetLevel(parsed)
		}
	}

	r := rig.New(cfg)
	if err := r.Start(); err != nil {
		log.Error("starting rig", "err", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	telemetry := time.NewTicker(time.Second)
	defer telemetry.Stop()

	for {
		select {
		case <-sig:
			log.Info("shutting down")
			r.Stop()
			return
		case <-telemetry.C:
			s := r.Status()
			log.Debug("status",
				"engine_state", s.EngineState,
				"gun_rate_index", s.GunRateIndex,
				"gun_firing", s.GunFiring,
				"smoke_heater_on", s.GunSmokeHeaterOn,
				"serial_crc_errors", s.SerialCRCErrors,
				"serial_unknown_replies", s.SerialUnknownReplies)
		}
	}
}
