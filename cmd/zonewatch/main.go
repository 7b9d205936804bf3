package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zonewatch/zonewatch/pkg/app"
	"github.com/zonewatch/zonewatch/pkg/config"
	"github.com/zonewatch/zonewatch/pkg/logger"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	console := flag.Bool("console", false, "attach an interactive console transport")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("zonewatch v%s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zonewatch: %v\n", err)
		os.Exit(1)
	}

	bridge, err := app.New(&cfg, app.Options{
		ConfigPath: *configPath,
		Console:    *console,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "zonewatch: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.InfoCF("main", "ZoneWatch starting", map[string]interface{}{
		"version": version,
		"config":  *configPath,
	})

	if err := bridge.Start(ctx); err != nil {
		logger.ErrorCF("main", "Startup failed", map[string]interface{}{
			"error": err.Error(),
		})
		bridge.Stop()
		os.Exit(1)
	}

	<-ctx.Done()
	logger.InfoC("main", "Shutdown signal received")
	bridge.Stop()
}
