package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rafalcieslak/bluetoothcube/internal/ble"
	"github.com/rafalcieslak/bluetoothcube/internal/config"
	"github.com/rafalcieslak/bluetoothcube/internal/cube"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/bluetoothcube/config.yaml)")
	scanOnly := flag.Bool("scan", false, "list nearby cubes and exit")
	mac := flag.String("mac", "", "cube address to connect to (overrides device.mac)")
	initConfig := flag.Bool("init", false, "write a default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote default config to %s", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *mac != "" {
		cfg.Device.MAC = *mac
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetLogLoggerLevel(config.ParseLogLevel(cfg.LogLevel))

	printBanner(cfg)

	adapter := ble.NewTinygoAdapter()
	if err := adapter.Enable(); err != nil {
		log.Fatalf("Failed to enable Bluetooth adapter: %v\n\nEnsure Bluetooth is turned on and this process has permission to use it.", err)
	}

	if *scanOnly || cfg.Device.MAC == "" {
		log.Printf("Scanning for cubes (%s)...", cfg.Scan.Timeout)
		devices, err := ble.ScanForCubes(adapter, cfg.Scan.Timeout, cfg.Device.NamePrefixes)
		if err != nil {
			log.Fatalf("Scan failed: %v", err)
		}
		if *scanOnly {
			for _, d := range devices {
				fmt.Printf("%s\t%s\t%d dBm\n", d.MAC, d.Name, d.RSSI)
			}
			return
		}
		if len(devices) == 0 {
			log.Fatalf("No cube found. Make sure it is awake and not connected to another device.")
		}
		cfg.Device.MAC = devices[0].MAC
		cfg.Device.Name = devices[0].Name
	}

	name := cfg.Device.Name
	if name == "" {
		name = cfg.Device.MAC
	}

	done := make(chan struct{}, 1)
	session := cube.NewSession(adapter, cube.Events{
		Connecting: func(message string, progress int) {
			log.Printf("[%3d%%] %s", progress, message)
		},
		Failed: func(reason string) {
			log.Printf("ERROR: %s", reason)
			signalDone(done)
		},
		Connected: func() {
			log.Println("Ready! Turn the cube. Ctrl+C to quit.")
		},
		Disconnected: func() {
			log.Println("Cube disconnected")
			signalDone(done)
		},
		StateUpdated: func(state []byte) {
			log.Printf("state %s", hex.EncodeToString(state))
		},
	})

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Connect.Timeout)
	err = session.Connect(ctx, name, cfg.Device.MAC)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", name, err)
	}

	select {
	case <-done:
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down...", sig)
	}
	session.Disconnect()
	log.Println("Goodbye!")
}

func signalDone(done chan<- struct{}) {
	select {
	case done <- struct{}{}:
	default:
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	device := cfg.Device.MAC
	if device == "" {
		device = "(scan)"
	}
	fmt.Println("=== bluetoothcube ===")
	fmt.Printf("  Device:  %s\n", device)
	fmt.Printf("  Names:   %s\n", strings.Join(cfg.Device.NamePrefixes, ", "))
	fmt.Printf("  Scan:    %s\n", cfg.Scan.Timeout)
	fmt.Printf("  Connect: %s\n", cfg.Connect.Timeout)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("=====================")
}
