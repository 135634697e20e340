package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/berthstack/berth/pkg/api"
	"github.com/berthstack/berth/pkg/build"
	"github.com/berthstack/berth/pkg/deployer"
	"github.com/berthstack/berth/pkg/events"
	"github.com/berthstack/berth/pkg/loader"
	"github.com/berthstack/berth/pkg/log"
	"github.com/berthstack/berth/pkg/ports"
	"github.com/berthstack/berth/pkg/provisioner"
	"github.com/berthstack/berth/pkg/proxy"
	"github.com/berthstack/berth/pkg/router"
	"github.com/berthstack/berth/pkg/storage"
	"github.com/berthstack/berth/pkg/users"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "berth",
	Short: "Berth - multi-tenant deployment control plane",
	Long: `Berth accepts uploaded source archives, builds them, runs each
as an isolated tenant on a dedicated port, provisions databases on
demand, and routes public traffic to tenants by hostname.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Berth version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane",
	Long: `Run the control plane: the authenticated REST API on the API
port and the public reverse proxy on the proxy port.`,
	RunE: runServer,
}

func init() {
	f := serverCmd.Flags()
	f.String("bind-addr", "0.0.0.0", "Address both listeners bind to")
	f.Int("api-port", 8001, "Port for the REST API")
	f.Int("proxy-port", 8000, "Port for the public reverse proxy")
	f.String("proxy-fqdn", "berth.local", "Domain tenants are served under")
	f.String("provisioner-address", "127.0.0.1", "Database provisioner host")
	f.Int("provisioner-port", 5001, "Database provisioner port")
	f.String("path", "/var/lib/berth", "Data directory (builds, records, users file)")
	f.String("users-file", "", "Users file path (default {path}/users.toml)")
	f.Int64("max-deploys", deployer.DefaultMaxDeploys, "Maximum concurrent builds/loads")
	f.String("port-range", "7500-7599", "Port range handed out to tenants")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.Bool("log-json", false, "Emit JSON logs")
}

func runServer(cmd *cobra.Command, args []string) error {
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	apiPort, _ := cmd.Flags().GetInt("api-port")
	proxyPort, _ := cmd.Flags().GetInt("proxy-port")
	proxyFQDN, _ := cmd.Flags().GetString("proxy-fqdn")
	provAddr, _ := cmd.Flags().GetString("provisioner-address")
	provPort, _ := cmd.Flags().GetInt("provisioner-port")
	dataDir, _ := cmd.Flags().GetString("path")
	usersFile, _ := cmd.Flags().GetString("users-file")
	maxDeploys, _ := cmd.Flags().GetInt64("max-deploys")
	portRange, _ := cmd.Flags().GetString("port-range")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	logger := log.WithComponent("server")

	portLo, portHi, err := parsePortRange(portRange)
	if err != nil {
		return err
	}
	if usersFile == "" {
		usersFile = filepath.Join(dataDir, "users.toml")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := users.Load(usersFile)
	if err != nil {
		return err
	}

	builds, err := build.NewFsBuildSystem(filepath.Join(dataDir, "projects"))
	if err != nil {
		return err
	}

	prov, err := provisioner.NewClient(provisioner.Config{
		Address: provAddr,
		Port:    provPort,
	})
	if err != nil {
		return err
	}
	defer prov.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go logEvents(broker)

	allocator, err := ports.NewAllocator(portLo, portHi)
	if err != nil {
		return err
	}

	routes := router.New()

	system := deployer.NewSystem(
		deployer.Config{
			ProxyFQDN:  proxyFQDN,
			MaxDeploys: maxDeploys,
		},
		deployer.Deps{
			Builds:      builds,
			Loader:      loader.NewProcessLoader(),
			Ports:       allocator,
			Router:      routes,
			Provisioner: prov,
			Store:       store,
			Broker:      broker,
		},
	)

	apiServer := api.NewServer(
		fmt.Sprintf("%s:%d", bindAddr, apiPort),
		system, registry, store, Version,
	)
	proxyServer := proxy.NewServer(fmt.Sprintf("%s:%d", bindAddr, proxyPort), routes)

	errCh := make(chan error, 2)
	go func() {
		if err := apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		if err := proxyServer.Serve(); err != nil {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	logger.Info().
		Str("api", fmt.Sprintf("%s:%d", bindAddr, apiPort)).
		Str("proxy", fmt.Sprintf("%s:%d", bindAddr, proxyPort)).
		Str("fqdn", proxyFQDN).
		Msg("berth running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("listener failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	apiServer.Shutdown(shutdownCtx)
	proxyServer.Shutdown(shutdownCtx)
	return system.Shutdown(shutdownCtx)
}

// logEvents mirrors deployment lifecycle events into the log.
func logEvents(broker *events.Broker) {
	logger := log.WithComponent("events")
	for event := range broker.Subscribe() {
		logger.Info().
			Str("type", string(event.Type)).
			Str("project", event.Project).
			Str("message", event.Message).
			Msg("event")
	}
}

// parsePortRange parses "lo-hi" into its bounds.
func parsePortRange(s string) (int, int, error) {
	lo, hi, found := strings.Cut(s, "-")
	if !found {
		return 0, 0, fmt.Errorf("port range %q must look like 7500-7599", s)
	}
	low, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	high, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	if low < 1 || high > 65535 || low > high {
		return 0, 0, fmt.Errorf("port range %q out of order or out of bounds", s)
	}
	return low, high, nil
}
