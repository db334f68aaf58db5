package runtime

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/InsulaLabs/edgegate/config"
	"github.com/InsulaLabs/edgegate/db/blob"
	"github.com/InsulaLabs/edgegate/db/records"
	"github.com/InsulaLabs/edgegate/db/tkv"
	"github.com/InsulaLabs/edgegate/objects"
	"github.com/InsulaLabs/edgegate/registry"
	"github.com/InsulaLabs/edgegate/service"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// ErrConfigGenerated is returned by New after --new-cfg wrote a config
// file. There is nothing left to run.
var ErrConfigGenerated = errors.New("configuration generated")

// Runtime manages the execution of edged, handling configuration,
// signal processing, and the lifecycle of the stores and the http service.
type Runtime struct {
	appCtx     context.Context
	appCancel  context.CancelFunc
	logger     *slog.Logger
	logOutput  io.Writer
	cfg        *config.Config
	configFile string
	rawArgs    []string

	currentLogLevel slog.Level
}

// New creates a new Runtime instance.
// It initializes the application context, sets up signal handling,
// parses command-line flags, and loads the configuration.
func New(args []string, defaultConfigFile string) (*Runtime, error) {
	r := &Runtime{
		rawArgs:   args,
		logOutput: os.Stderr,
	}

	r.appCtx, r.appCancel = context.WithCancel(context.Background())
	r.logger = slog.New(slog.NewJSONHandler(r.logOutput, nil)).With("service", "edgedRuntime")

	var genConfigFile string
	fs := flag.NewFlagSet("runtime", flag.ContinueOnError)
	fs.StringVar(&r.configFile, "config", defaultConfigFile, "Path to the edged configuration file.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a new configuration file to a given path.")

	if err := fs.Parse(r.rawArgs); err != nil {
		r.appCancel()
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if genConfigFile != "" {
		r.appCancel()
		if err := writeGeneratedConfig(genConfigFile); err != nil {
			return nil, err
		}
		r.logger.Info("Successfully generated new configuration file", "path", genConfigFile)
		return nil, ErrConfigGenerated
	}

	var err error
	r.cfg, err = config.LoadConfig(r.configFile)
	if err != nil {
		r.appCancel()
		return nil, fmt.Errorf("failed to load configuration from %s: %w", r.configFile, err)
	}

	r.currentLogLevel = parseLogLevel(r.cfg.Logging.Level)
	r.logger = newLogger(r.logOutput, r.cfg.Logging.Format, r.currentLogLevel).With("service", "edgedRuntime")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			r.logger.Info("Received signal, initiating shutdown...", "signal", sig)
			r.appCancel()
		case <-r.appCtx.Done():
		}
	}()

	return r, nil
}

func writeGeneratedConfig(path string) error {
	cfg, err := config.GenerateConfig(path)
	if err != nil {
		return fmt.Errorf("failed to generate configuration: %w", err)
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal generated config to YAML: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for config file %s: %w", path, err)
		}
	}

	if err := os.WriteFile(path, yamlData, 0644); err != nil {
		return fmt.Errorf("failed to write generated configuration to %s: %w", path, err)
	}
	return nil
}

// Run opens the stores, starts the http service and blocks until the
// runtime is stopped or the server fails.
func (r *Runtime) Run() error {
	// a failed start or a server that stopped on its own takes the runtime down
	defer r.appCancel()

	if err := os.MkdirAll(r.cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", r.cfg.DataDir, err)
	}

	if r.cfg.TLSEnabled() {
		if err := r.ensureSelfSignedCert(); err != nil {
			return err
		}
	} else {
		color.HiYellow("TLS is not configured, device tokens travel in clear text")
	}

	kv, err := tkv.New(tkv.Config{
		Logger:         r.logger.WithGroup("tkv"),
		BadgerLogLevel: r.currentLogLevel,
		Directory:      r.cfg.DataDir,
	})
	if err != nil {
		return fmt.Errorf("failed to open key-value store: %w", err)
	}
	defer kv.Close()

	recordStore, err := records.Open(r.logger.WithGroup("records"), r.cfg.Records.Driver, r.cfg.Records.DSN, r.cfg.DataDir, kv)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer recordStore.Close()

	policy, err := registry.ParsePolicy(r.cfg.Gate.Policy)
	if err != nil {
		return err
	}
	if !policy.RequiresAttestation() {
		color.HiYellow("Gate policy is %s, registered but unattested devices are admitted", policy)
	}

	reg, err := registry.New(registry.Config{
		Logger:       r.logger.WithGroup("registry"),
		Store:        recordStore,
		Policy:       policy,
		StoreTimeout: r.cfg.StoreTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create registry: %w", err)
	}

	blobStore, err := blob.NewLocal(blob.LocalConfig{
		Logger:    r.logger.WithGroup("blobs"),
		KV:        kv,
		Directory: filepath.Join(r.cfg.DataDir, config.BlobsDirName),
		Container: r.cfg.Blobs.Container,
	})
	if err != nil {
		return fmt.Errorf("failed to create blob store: %w", err)
	}

	gw, err := objects.New(objects.Config{
		Logger:       r.logger.WithGroup("objects"),
		Store:        blobStore,
		PublicURL:    r.cfg.PublicURL,
		StoreTimeout: r.cfg.StoreTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create object gateway: %w", err)
	}
	if err := gw.EnsureContainer(r.appCtx); err != nil {
		return fmt.Errorf("failed to ensure container %s: %w", r.cfg.Blobs.Container, err)
	}

	svc, err := service.New(service.Config{
		Logger:          r.logger.WithGroup("service"),
		HttpBinding:     r.cfg.HttpBinding,
		TLS:             r.cfg.TLS,
		Gate:            r.cfg.Gate,
		UploadMaxMemory: r.cfg.Upload.MaxMemory,
	}, reg, gw)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	r.logger.Info("Starting edged",
		"http_binding", r.cfg.HttpBinding,
		"public_url", r.cfg.PublicURL,
		"records_driver", r.cfg.Records.Driver,
		"container", r.cfg.Blobs.Container,
		"policy", string(policy),
	)

	return svc.Run(r.appCtx)
}

// Wait for the runtime to complete its operations.
// This is typically when the application context is canceled.
func (r *Runtime) Wait() {
	<-r.appCtx.Done()
	r.logger.Info("Runtime has been shut down.")
}

// Stop gracefully shuts down the runtime by canceling its context.
func (r *Runtime) Stop() {
	r.logger.Info("Runtime stop requested.")
	r.appCancel()
}

func (r *Runtime) Config() *config.Config {
	return r.cfg
}
