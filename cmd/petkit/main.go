package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/joshp123/gopetkit/internal/config"
	"github.com/joshp123/gopetkit/internal/logging"
	"github.com/joshp123/gopetkit/internal/rate"
	"github.com/joshp123/gopetkit/plugins/petkit"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("petkit", flag.ExitOnError)
	configPath := fs.String("config", envOrDefault("PETKIT_CONFIG", ""), "path to config.yaml (env only when empty)")
	envFile := fs.String("env-file", ".env", "dotenv file loaded before the config")
	jsonOut := fs.Bool("json", false, "print JSON instead of tables")
	fs.Usage = usage
	_ = fs.Parse(os.Args[1:])

	args := fs.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		fatal("load env file", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config", err)
	}
	logger := logging.New(cfg.Logging, version).With("run_id", uuid.NewString())

	client, err := newClient(cfg, logger)
	if err != nil {
		fatal("petkit client", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := outputMode{json: *jsonOut}
	switch args[0] {
	case "devices":
		devicesCmd(ctx, client, out)
	case "pets":
		petsCmd(ctx, client, out)
	case "actions":
		actionsCmd(ctx, client, out, args[1:])
	case "send":
		sendCmd(ctx, client, out, args[1:])
	case "media":
		mediaCmd(ctx, client, out, args[1:])
	case "serve":
		if err := serve(ctx, cfg, client, logger); err != nil {
			fatal("serve", err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func newClient(cfg *config.Config, logger *slog.Logger) (*petkit.Client, error) {
	httpClient := &http.Client{Timeout: cfg.HTTP.Timeout}
	if decl, ok := rateDeclaration(cfg.RateLimit); ok {
		httpClient = rate.WrapHTTP(decl, httpClient)
	}

	opts := []petkit.Option{
		petkit.WithHTTPClient(httpClient),
		petkit.WithLogger(logger),
		petkit.WithExpiryMargin(cfg.PetKit.ExpiryMargin),
		petkit.WithDetailWorkers(cfg.PetKit.DetailWorkers),
		petkit.WithPetLinksOnDeviceRefresh(cfg.PetKit.PetLinksOnDeviceRefresh),
	}
	if cfg.PetKit.BaseURL != "" {
		opts = append(opts, petkit.WithBaseURL(cfg.PetKit.BaseURL))
	}
	return petkit.NewClient(petkit.Credentials{
		Username: cfg.PetKit.Username,
		Password: cfg.PetKit.Password,
		Region:   cfg.PetKit.Region,
		Timezone: cfg.PetKit.Timezone,
	}, opts...)
}

// rateDeclaration reports false when no limit is configured.
func rateDeclaration(cfg config.RateLimitConfig) (rate.Declaration, bool) {
	decl := rate.Provider("petkit").ReadHeaders(rate.StandardHeaders())
	if cfg.PerMinute > 0 {
		decl = decl.MaxRequestsPer(rate.Minute, cfg.PerMinute)
	}
	if cfg.PerDay > 0 {
		decl = decl.MaxRequestsPer(rate.Day, cfg.PerDay)
	}
	return decl, decl.HasLimits()
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: petkit [flags] <command> [args]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  devices                          refresh and list devices")
	fmt.Fprintln(os.Stderr, "  pets                             refresh and list pets")
	fmt.Fprintln(os.Stderr, "  actions <id>                     list commands an entity supports")
	fmt.Fprintln(os.Stderr, "  send <id> <action> [key=value]   send a command")
	fmt.Fprintln(os.Stderr, "  media <id>                       list camera images and videos")
	fmt.Fprintln(os.Stderr, "  serve                            poll and expose /health, /metrics, /state")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "flags:")
	fmt.Fprintln(os.Stderr, "  -config path    config.yaml (or PETKIT_CONFIG)")
	fmt.Fprintln(os.Stderr, "  -env-file path  dotenv file (default .env)")
	fmt.Fprintln(os.Stderr, "  -json           JSON output")
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
