package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/majorcontext/metaproxy/internal/admin"
	"github.com/majorcontext/metaproxy/internal/audit"
	"github.com/majorcontext/metaproxy/internal/config"
	"github.com/majorcontext/metaproxy/internal/credential"
	"github.com/majorcontext/metaproxy/internal/gateway"
	"github.com/majorcontext/metaproxy/internal/inventory"
	"github.com/majorcontext/metaproxy/internal/issuer"
	"github.com/majorcontext/metaproxy/internal/log"
	"github.com/majorcontext/metaproxy/internal/mock"
	"github.com/majorcontext/metaproxy/internal/role"
	"github.com/majorcontext/metaproxy/internal/server"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 10 * time.Second
	auditBuffer     = 4096
)

var serveFlags struct {
	listen      string
	adminListen string
	metadataURL string
	region      string
	auditDB     string
	mock        bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the metadata proxy",
	Long: `Run the metadata proxy.

Containers reach the proxy in place of 169.254.169.254 (typically through an
iptables DNAT rule). A container's role comes from its IAM_ROLE environment
variable or the metaproxy.iam-role label and may be a role name, a full ARN,
or name@account.

Settings are read from the config file, then METAPROXY_* environment
variables, then flags.

Examples:
  # Proxy the real metadata service
  metaproxy serve --listen 0.0.0.0:8000

  # Develop without EC2: relay non-credential paths to the built-in mock
  metaproxy serve --mock --listen 127.0.0.1:8000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveFlags.listen, "listen", "", "metadata listen address")
	serveCmd.Flags().StringVar(&serveFlags.adminListen, "admin-listen", "", "health and metrics listen address (empty string disables)")
	serveCmd.Flags().StringVar(&serveFlags.metadataURL, "metadata-url", "", "upstream metadata service URL")
	serveCmd.Flags().StringVar(&serveFlags.region, "region", "", "AWS region for STS")
	serveCmd.Flags().StringVar(&serveFlags.auditDB, "audit-db", "", "SQLite file recording every request")
	serveCmd.Flags().BoolVar(&serveFlags.mock, "mock", false, "relay to the built-in mock metadata service")
}

// applyServeFlags copies explicitly set flags over the loaded config.
func applyServeFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		c.Listen = serveFlags.listen
	}
	if flags.Changed("admin-listen") {
		c.AdminListen = serveFlags.adminListen
	}
	if flags.Changed("metadata-url") {
		c.MetadataURL = serveFlags.metadataURL
	}
	if flags.Changed("region") {
		c.AWS.Region = serveFlags.region
	}
	if flags.Changed("audit-db") {
		c.AuditDB = serveFlags.auditDB
	}
	if flags.Changed("mock") {
		c.Mock = serveFlags.mock
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	applyServeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	upstreamURL := cfg.MetadataURL
	if cfg.Mock {
		catalog, err := mock.New(mock.Options{Region: cfg.AWS.Region})
		if err != nil {
			return err
		}
		mockSrv := server.New("mock", "127.0.0.1:0", catalog)
		if err := mockSrv.Start(); err != nil {
			return err
		}
		defer stopServer(mockSrv)
		upstreamURL = mockSrv.URL()
	}

	source, err := inventory.NewDockerSource(inventory.DockerOptions{
		RoleEnvVar: cfg.Inventory.RoleEnvVar,
		RoleLabel:  cfg.Inventory.RoleLabel,
	})
	if err != nil {
		return err
	}
	defer source.Close()

	locator := inventory.NewLocator(source, inventory.LocatorOptions{
		Timeout:      cfg.Timeouts.Inventory,
		MaxStaleness: cfg.Inventory.MaxStaleness,
	})
	go locator.Run(ctx, cfg.Inventory.Interval)

	iss, err := issuer.New(ctx, cfg.AWS.Region, issuer.Options{
		SessionDuration: cfg.AWS.SessionDuration,
		ExternalID:      cfg.AWS.ExternalID,
		MaxAttempts:     cfg.AWS.MaxAttempts,
	})
	if err != nil {
		return err
	}

	resolver := &role.Resolver{
		DefaultAccount: defaultAccount(ctx, iss),
		AccountMap:     cfg.AWS.AccountMap,
	}

	hostname, _ := os.Hostname()
	cache, err := credential.NewCache(iss, credential.Options{
		RefreshMargin:  cfg.Cache.RefreshMargin,
		Size:           cfg.Cache.Size,
		IssueTimeout:   cfg.Timeouts.Issuer,
		FailureBackoff: cacheBackoff(cfg.Cache.FailureBackoff),
		SessionLabel:   "metaproxy-" + hostname,
	})
	if err != nil {
		return err
	}

	var loggers []func(gateway.RequestLog)
	if cfg.AuditDB != "" {
		store, err := audit.OpenStore(cfg.AuditDB)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer store.Close()
		writer := audit.NewWriter(store, auditBuffer)
		defer writer.Close()
		loggers = append(loggers, auditSink(writer))
	}

	gw, err := gateway.New(gateway.Options{
		Locator:         locator,
		Resolver:        resolver,
		Credentials:     cache,
		UpstreamURL:     upstreamURL,
		UpstreamTimeout: cfg.Timeouts.Upstream,
		RequestTimeout:  cfg.Timeouts.Request,
		RequestLoggers:  loggers,
	})
	if err != nil {
		return err
	}

	metaSrv := server.New("metadata", cfg.Listen, gw)
	if err := metaSrv.Start(); err != nil {
		return err
	}
	defer stopServer(metaSrv)

	var adminErr <-chan error
	if cfg.AdminListen != "" {
		adminSrv := server.New("admin", cfg.AdminListen, admin.NewRouter(admin.Options{
			Checks:  map[string]admin.Check{"inventory": locator.Ready},
			Version: version,
		}))
		if err := adminSrv.Start(); err != nil {
			return err
		}
		defer stopServer(adminSrv)
		adminErr = adminSrv.Err()
	}

	log.Info("metaproxy started",
		"listen", metaSrv.Addr(),
		"upstream", upstreamURL,
		"mock", cfg.Mock,
		"default_account", resolver.DefaultAccount)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-metaSrv.Err():
		return fmt.Errorf("metadata server: %w", err)
	case err := <-adminErr:
		return fmt.Errorf("admin server: %w", err)
	}
}

// defaultAccount returns the configured account, or the account of the
// host's own credentials. Bare role names cannot resolve without one.
func defaultAccount(ctx context.Context, iss *issuer.Issuer) string {
	if cfg.AWS.DefaultAccountID != "" {
		return cfg.AWS.DefaultAccountID
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Issuer)
	defer cancel()
	account, err := iss.CallerAccount(ctx)
	if err != nil {
		log.Warn("could not determine default account; bare role names will be refused",
			"error", err)
		return ""
	}
	log.Debug("using caller account for bare role names", "account", account)
	return account
}

// auditSink converts gateway request logs into audit records.
func auditSink(w *audit.Writer) func(gateway.RequestLog) {
	return func(l gateway.RequestLog) {
		w.Write(l.Time, audit.Record{
			Client:     l.Client,
			Method:     l.Method,
			Path:       l.Path,
			Proto:      l.Proto,
			Status:     l.Status,
			Kind:       l.Kind.String(),
			Container:  l.Container,
			Role:       l.Role,
			DurationMs: l.Duration.Milliseconds(),
		})
	}
}

// cacheBackoff maps the config value, where zero disables the backoff, onto
// the cache option, where zero selects the default.
func cacheBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

func stopServer(s *server.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		log.Warn("server shutdown", "error", err)
	}
}
