package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-resilience/service"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to the service configuration file")
	flag.Parse()

	mainCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := service.NewService(mainCtx, *configPath)
	if err != nil {
		fmt.Printf("Failed to create service: %v\n", err)
		os.Exit(1)
	}

	svc.Logger().Info("Proxies defined", zap.Strings("names", svc.Registry().Names()))

	if err := svc.Start(); err != nil {
		svc.Logger().Error("Failed to start service", zap.Error(err))
		os.Exit(1)
	}
}
