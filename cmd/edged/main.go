package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/InsulaLabs/edgegate/runtime"
	"github.com/joho/godotenv"
)

const defaultConfigFile = "edged.yaml"

func main() {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	configFile := defaultConfigFile
	if fromEnv := os.Getenv("EDGEGATE_CONFIG"); fromEnv != "" {
		configFile = fromEnv
	}

	// The runtime handles flag parsing, --config overrides the default.
	rt, err := runtime.New(os.Args[1:], configFile)
	if errors.Is(err, runtime.ErrConfigGenerated) {
		os.Exit(0)
	}
	if err != nil {
		slog.Error("Failed to initialize runtime", "error", err)
		os.Exit(1)
	}

	if err := rt.Run(); err != nil {
		slog.Error("Runtime exited with error", "error", err)
		os.Exit(1)
	}

	rt.Wait()
	slog.Info("Application exiting.")
}
