package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/InsulaLabs/edgegate/client"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/joho/godotenv"
)

var (
	logger      *slog.Logger
	baseURL     string
	deviceID    string
	deviceToken string
	skipVerify  bool
	timeout     time.Duration
	verbose     bool

	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func init() {
	// a missing .env is normal; flags and the environment still apply
	_ = godotenv.Load()

	flag.StringVar(&baseURL, "url", envOr("EDGEGATE_URL", "http://127.0.0.1:8080"), "Base URL of the edged daemon")
	flag.StringVar(&deviceID, "id", os.Getenv("EDGEGATE_DEVICE_ID"), "Device id")
	flag.StringVar(&deviceToken, "token", os.Getenv("EDGEGATE_DEVICE_TOKEN"), "Device token")
	flag.BoolVar(&skipVerify, "insecure", false, "Skip TLS certificate verification (self-signed daemons)")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	flag.Parse()

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	command := args[0]
	cmdArgs := args[1:]

	id := deviceID
	if id == "" {
		// health needs no identity, every other command fails at the gate
		id = "anonymous"
	}
	cli, err := client.NewClient(&client.Config{
		BaseURL:     baseURL,
		DeviceID:    id,
		DeviceToken: deviceToken,
		SkipVerify:  skipVerify,
		Timeout:     timeout,
		Logger:      logger.WithGroup("client"),
	})
	if err != nil {
		fail("Failed to create client", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	switch command {
	case "register":
		requireIdentity()
		handleMessage(cli.Register(ctx))
	case "attest":
		requireIdentity()
		handleMessage(cli.Attest(ctx))
	case "status":
		handleStatus(ctx, cli)
	case "ls":
		handleList(ctx, cli)
	case "upload":
		handleUpload(ctx, cli, cmdArgs)
	case "download":
		handleDownload(ctx, cli, cmdArgs)
	case "health":
		handleHealth(ctx, cli)
	default:
		logger.Error("Unknown command", "command", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: edgectl [flags] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  register\n")
	fmt.Fprintf(os.Stderr, "  attest\n")
	fmt.Fprintf(os.Stderr, "  status\n")
	fmt.Fprintf(os.Stderr, "  ls\n")
	fmt.Fprintf(os.Stderr, "  upload <file> [file...]\n")
	fmt.Fprintf(os.Stderr, "  download <name> [dest]\n")
	fmt.Fprintf(os.Stderr, "  health\n")
}

func requireIdentity() {
	if deviceID == "" || deviceToken == "" {
		fmt.Fprintln(os.Stderr, errStyle.Render("--id and --token are required"))
		printUsage()
		os.Exit(1)
	}
}

func fail(msg string, err error) {
	logger.Debug(msg, "error", err)
	var serverErr *client.ServerError
	if errors.As(err, &serverErr) && serverErr.Message != "" {
		fmt.Fprintln(os.Stderr, errStyle.Render(msg+": "+serverErr.Message))
	} else {
		fmt.Fprintln(os.Stderr, errStyle.Render(fmt.Sprintf("%s: %v", msg, err)))
	}
	os.Exit(1)
}

func handleMessage(message string, err error) {
	if err != nil {
		fail("Request failed", err)
	}
	fmt.Println(okStyle.Render(message))
}

func handleStatus(ctx context.Context, c *client.Client) {
	status, err := c.Status(ctx)
	if err != nil {
		fail("Status failed", err)
	}
	fmt.Printf("%s %s\n", status.DeviceID, okStyle.Render(string(status.State)))
}

func handleHealth(ctx context.Context, c *client.Client) {
	health, err := c.Health(ctx)
	if err != nil {
		fail("Health check failed", err)
	}
	fmt.Printf("%s (up %s)\n", okStyle.Render(health.Status), health.Uptime)
}

func handleList(ctx context.Context, c *client.Client) {
	files, err := c.ListFiles(ctx)
	if err != nil {
		fail("Listing failed", err)
	}
	if len(files) == 0 {
		fmt.Println("No files uploaded yet.")
		return
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("NAME", "SIZE", "MODIFIED", "URL").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, f := range files {
		t.Row(f.Name, strconv.FormatInt(f.Size, 10), f.LastModified.Local().Format(time.DateTime), f.URL)
	}
	fmt.Println(t)
}

func handleUpload(ctx context.Context, c *client.Client, args []string) {
	if len(args) < 1 {
		logger.Error("upload: requires <file> [file...]")
		printUsage()
		os.Exit(1)
	}
	summary, err := c.UploadFiles(ctx, args...)
	if err != nil {
		fail("Upload failed", err)
	}
	fmt.Printf("%s stored, %d skipped\n", okStyle.Render(strconv.Itoa(summary.Stored)), summary.Skipped)
}

func handleDownload(ctx context.Context, c *client.Client, args []string) {
	if len(args) < 1 || len(args) > 2 {
		logger.Error("download: requires <name> [dest]")
		printUsage()
		os.Exit(1)
	}
	name := args[0]
	dest := filepath.Base(name)
	if len(args) == 2 {
		dest = args[1]
	}

	f, err := os.Create(dest)
	if err != nil {
		fail("Cannot create destination", err)
	}
	n, err := c.Download(ctx, name, f)
	closeErr := f.Close()
	if err != nil {
		os.Remove(dest)
		fail("Download failed", err)
	}
	if closeErr != nil {
		fail("Cannot write destination", closeErr)
	}
	fmt.Printf("%s %s (%d bytes)\n", okStyle.Render("saved"), dest, n)
}
