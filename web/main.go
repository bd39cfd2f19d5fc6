package main

import (
	"flag"
	"log"

	"go.uber.org/zap"

	"github.com/df07/image3d/pipeline"
	"github.com/df07/image3d/web/server"
)

func main() {
	port := flag.Int("port", 8081, "Port to serve on")
	configPath := flag.String("config", "config.yaml", "Model configuration file")
	weightsPath := flag.String("weights", "weights.json", "Model weights file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("creating logger: %v", err)
	}
	defer logger.Sync()

	system, err := pipeline.LoadSystem(*configPath, *weightsPath, pipeline.WithLogger(logger))
	if err != nil {
		logger.Fatal("loading system", zap.Error(err))
	}

	webServer := server.NewServer(*port, system, logger)
	logger.Info("image3d web server",
		zap.String("config", *configPath), zap.Int("port", *port))

	if err := webServer.Start(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
