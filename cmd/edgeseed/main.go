package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"github.com/InsulaLabs/edgegate/config"
	"github.com/InsulaLabs/edgegate/db/records"
	"github.com/InsulaLabs/edgegate/db/tkv"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
)

// edgeseed fills the device record store of a stopped edged with synthetic
// devices for load and gate testing. badger allows a single process per
// data directory, so edged must not be running against the same dataDir.
func main() {
	_ = godotenv.Load()

	configFile := "edged.yaml"
	if fromEnv := os.Getenv("EDGEGATE_CONFIG"); fromEnv != "" {
		configFile = fromEnv
	}

	var (
		count   int
		seed    uint64
		verbose bool
	)
	flag.StringVar(&configFile, "config", configFile, "Path to the edged configuration file.")
	flag.IntVar(&count, "n", 50, "Number of devices to create.")
	flag.Uint64Var(&seed, "seed", 0, "Random seed; zero picks one from the clock.")
	flag.BoolVar(&verbose, "v", false, "Print every seeded device with its token.")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		logger.Error("Failed to load configuration", "path", configFile, "error", err)
		os.Exit(1)
	}
	if count <= 0 {
		logger.Error("-n must be positive", "n", count)
		os.Exit(1)
	}
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	kv, err := tkv.New(tkv.Config{
		Logger:         logger.WithGroup("tkv"),
		BadgerLogLevel: slog.LevelError,
		Directory:      cfg.DataDir,
	})
	if err != nil {
		logger.Error("Failed to open key-value store", "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	store, err := records.Open(logger.WithGroup("records"), cfg.Records.Driver, cfg.Records.DSN, cfg.DataDir, kv)
	if err != nil {
		logger.Error("Failed to open record store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	seeded, err := records.Seed(context.Background(), store, count, rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
	if err != nil {
		color.HiRed("Seeding stopped after %d devices: %v", len(seeded), err)
		store.Close()
		kv.Close()
		os.Exit(1)
	}

	attested := 0
	for _, rec := range seeded {
		if rec.Attested {
			attested++
		}
		if verbose {
			fmt.Printf("%s\t%s\tattested=%t\n", rec.DeviceID, rec.DeviceToken, rec.Attested)
		}
	}
	color.HiGreen("Inserted %d synthetic devices (%d attested) into the %s store, seed %d",
		len(seeded), attested, cfg.Records.Driver, seed)
}
