package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"wspbot/internal/app"
)

func main() {
	// Env files are optional; real deployments inject env via systemd.
	_ = godotenv.Load()

	cfgPath := os.Getenv("WSP_CONFIG")
	if cfgPath == "" {
		cfgPath = "./config.yaml"
	}
	flag.StringVar(&cfgPath, "config", cfgPath, "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()
	_ = a.Stop(context.Background())
}
