package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/shaunagostinho/olr-bridge/internal/bridge"
	"github.com/shaunagostinho/olr-bridge/internal/link"
	"github.com/shaunagostinho/olr-bridge/internal/race"
	"github.com/shaunagostinho/olr-bridge/internal/recorder"
	"github.com/shaunagostinho/olr-bridge/internal/relay"
	"github.com/shaunagostinho/olr-bridge/internal/server"
	"github.com/shaunagostinho/olr-bridge/web"
)

func main() {
	configPath := pflag.StringP("config", "c", "/etc/olr-bridge/config.yaml", "Path to config file")
	demo := pflag.Bool("demo", false, "Run against a simulated race device")
	listenAddr := pflag.StringP("listen", "l", "", "Override listen address (e.g. :5000)")
	port := pflag.StringP("port", "p", "", "Override serial port (e.g. /dev/ttyUSB0, COM3)")
	pflag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] olr-bridge starting")

	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Serial.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *port != "" {
		cfg.Serial.PortPath = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opener link.Opener
	switch cfg.Serial.Type {
	case "demo":
		opener = link.DemoOpener(link.DefaultDemoConfig())
	default:
		opener = link.SerialOpener(cfg.LinkConfig())
	}

	rec := recorder.New(cfg.Recording)
	defer rec.Close()

	b := bridge.New(cfg.Timings(), race.NewTable(), opener, rec)
	defer b.Close()

	srv := server.New(cfg, b, rec, web.FS)

	if cfg.MQTT.Enabled {
		rl := relay.New(cfg.MQTT, b)
		if err := rl.Start(); err != nil {
			log.Printf("[mqtt] disabled: %v", err)
		} else {
			b.AddListener(rl)
			srv.AttachRelay(rl)
			defer rl.Stop()
		}
	}

	b.AddListener(srv)

	// Connect in the background; the web UI works while the board is absent
	go connectWithRetry(ctx, "bridge", func() error { return b.Connect(cfg.Serial.PortPath) }, 10)

	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
	log.Println("[main] shutting down")
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, connect func() error, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := connect()
		if err == nil {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}

		attempt++
		if attempt <= maxAttempts {
			log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
				name, attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
				name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
