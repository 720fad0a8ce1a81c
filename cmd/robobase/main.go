package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/robobase/internal/config"
	"github.com/banshee-data/robobase/internal/devlink"
	"github.com/banshee-data/robobase/internal/monitoring"
	"github.com/banshee-data/robobase/internal/robot"
	"github.com/banshee-data/robobase/internal/simdevice"
	"github.com/banshee-data/robobase/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a JSON configuration file (defaults are used when empty)")
	device      = flag.String("device", "", "Serial device of the micro-controller (overrides the config file)")
	sim         = flag.Bool("sim", false, "Drive a simulated micro-controller instead of the serial device")
	listen      = flag.String("listen", "localhost:8080", "Listen address of the admin server (empty disables it)")
	debug       = flag.String("debug", "", "Comma separated components to trace, e.g. link,motor,heading")
	showVersion = flag.Bool("version", false, "Print the version and exit")
	printConfig = flag.Bool("print-config", false, "Print the effective configuration as JSON and exit")
	listPorts   = flag.Bool("list-ports", false, "List serial ports and exit")
	number      = flag.Int("number", -1, "Robot index to write to the device flash (-1 leaves it)")
	hardware    = flag.Int("hardware", 0, "Hardware type to write to the device flash (0 leaves it)")
	name        = flag.String("name", "", "Robot name to write to the device flash")
)

// debugComponents splits the -debug flag value.
func debugComponents(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// provisioning reports whether the identity flags ask for a flash write.
func provisioning() (robot.Identity, bool) {
	id := robot.Identity{Index: *number, Hardware: *hardware, Name: *name}
	return id, id.Index >= 0 || id.Hardware > 0 || id.Name != ""
}

func loadConfig() (*config.Config, error) {
	cfg := config.Empty()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return nil, err
		}
	}
	if *device != "" {
		if cfg.Link == nil {
			cfg.Link = &config.LinkConfig{}
		}
		cfg.Link.Device = device
	}
	return cfg, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listPorts {
		ports, err := devlink.ListPorts()
		if err != nil {
			log.Fatalf("failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *printConfig {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg); err != nil {
			log.Fatalf("failed to print configuration: %v", err)
		}
		return
	}
	if c := debugComponents(*debug); len(c) > 0 {
		monitoring.EnableDebug(c...)
	}
	log.Printf("%s starting", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	opts := robot.Options{}
	if *sim {
		d := simdevice.New(simdevice.Options{Wheelbase: cfg.Pose.GetWheelbase()}, nil)
		opts.Opener = d.Open
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Run(ctx, 2*time.Millisecond); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("simulated device stopped: %v", err)
			}
		}()
		log.Printf("using simulated device")
	}

	r, err := robot.New(cfg, opts)
	if err != nil {
		log.Fatalf("failed to create robot: %v", err)
	}
	if id, ok := provisioning(); ok {
		r.Provision(id)
	}

	// control loops and device link; returns after the shutdown sequence
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.Run(ctx); err != nil {
			log.Printf("robot stopped: %v", err)
			stop()
		}
		log.Print("robot routine terminated")
	}()

	if *listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()

			mux := http.NewServeMux()
			// the admin debugging routes are only reachable from localhost or over Tailscale
			r.AttachAdminRoutes(mux)
			mux.Handle("/", http.RedirectHandler("/debug/", http.StatusFound))

			server := &http.Server{
				Addr:              *listen,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("failed to start server: %v", err)
				}
			}()

			<-ctx.Done()
			log.Println("shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
			}
			log.Printf("HTTP server routine stopped")
		}()
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
