package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wmefetch/downloader"
	"wmefetch/internal"
	"wmefetch/utils"
)

var (
	configPath string
	quiet      bool
	proxyURL   string
	debug      bool
	logLevel   string
	logFile    string
	tokenStore string
	config     *internal.Config
)

var rootCmd = &cobra.Command{
	Use:     "wmefetch",
	Short:   "Client for the Wikimedia Enterprise API",
	Version: "v1.0.0",
	Long: `wmefetch talks to the Wikimedia Enterprise API: it manages API tokens,
looks up metadata, downloads snapshot, chunk and batch archives with parallel
range requests, reads their NDJSON records and follows the realtime stream.

Examples:
  wmefetch login
  wmefetch get projects --fields identifier,url
  wmefetch download snapshot enwiki_namespace_0 -o enwiki.tar.gz --chunk-size 64M
  wmefetch read chunk enwiki_namespace_0 enwiki_namespace_0_chunk_0 --limit 10
  wmefetch stream --since 2024-05-01T00:00:00Z --filter event.type=update

Environment Variables:
  WME_USERNAME, WME_PASSWORD   Account credentials
  WME_TOKEN_STORE              Token store file (default tokenstore.json)
  WME_CHUNK_SIZE               Download range size in bytes
  WME_CONCURRENCY              Parallel range requests (1-64)
  WME_RATE_LIMIT               API requests per second
  WME_PROXY                    HTTP or SOCKS5 proxy URL
  WME_LOG_LEVEL, WME_DEBUG, WME_QUIET, WME_LOG_FILE`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfiguration(cmd); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		if err := internal.InitLogger(config); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		internal.LogDebug("Configuration loaded: base=%s, chunk=%d, concurrency=%d, debug=%v, quiet=%v",
			config.BaseURL, config.DownloadChunkSize, config.DownloadConcurrency, config.EnableDebug, config.QuietMode)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = internal.GetLogger().Sync()
	},
}

// loadConfiguration layers defaults, the optional YAML file, the environment
// and explicitly set flags, in that order.
func loadConfiguration(cmd *cobra.Command) error {
	config = internal.DefaultConfig()

	if configPath != "" {
		if err := config.LoadFromFile(configPath); err != nil {
			return err
		}
	}
	config.LoadFromEnv()

	flags := cmd.Flags()
	if flags.Changed("debug") && debug {
		config.EnableDebug = true
		config.LogLevel = "debug"
	}
	if flags.Changed("quiet") {
		config.QuietMode = quiet
	}
	if flags.Changed("log-level") {
		config.LogLevel = logLevel
	}
	if flags.Changed("log-file") {
		config.LogFile = logFile
	}
	if flags.Changed("proxy") {
		config.ProxyURL = proxyURL
	}
	if flags.Changed("token-store") {
		config.TokenStorePath = tokenStore
	}

	return config.ValidateConfig()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			internal.LogInfo("Received signal %v, shutting down", sig)
			if !config.QuietMode {
				fmt.Fprintf(os.Stderr, "\nReceived %v, shutting down...\n", sig)
			}
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// newAuthClient builds an auth client with its own executor, so no bearer
// token is ever sent to the auth host.
func newAuthClient() (*downloader.AuthClient, error) {
	creds, err := config.Credentials()
	if err != nil {
		return nil, err
	}
	endpoints, err := utils.EndpointsFromConfig(config)
	if err != nil {
		return nil, err
	}
	return downloader.NewAuthClient(utils.NewHTTPClientFromConfig(config), endpoints, creds,
		downloader.WithTokenStorePath(config.TokenStorePath))
}

// newAPIClient returns an authenticated API client.
func newAPIClient(ctx context.Context, opts ...downloader.ClientOption) (*downloader.Client, error) {
	auth, err := newAuthClient()
	if err != nil {
		return nil, err
	}
	token, err := auth.GetAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain access token: %w", err)
	}

	client, err := downloader.NewClientFromConfig(config, opts...)
	if err != nil {
		return nil, err
	}
	client.SetAccessToken(token)
	return client, nil
}

func init() {
	config = internal.DefaultConfig()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML configuration file")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output (env: WME_QUIET)")
	flags.StringVar(&proxyURL, "proxy", "", "HTTP or SOCKS5 proxy URL (env: WME_PROXY)")
	flags.StringVar(&tokenStore, "token-store", "", fmt.Sprintf("Token store file (env: WME_TOKEN_STORE) (default %s)", internal.DefaultTokenStore))
	flags.BoolVarP(&debug, "debug", "d", false, "Enable debug logging with caller information (env: WME_DEBUG)")
	flags.StringVar(&logLevel, "log-level", "", "Set log level (debug, info, warn, error) (env: WME_LOG_LEVEL)")
	flags.StringVar(&logFile, "log-file", "", "Write logs to file instead of stderr (env: WME_LOG_FILE)")

	rootCmd.AddCommand(loginCmd, tokenCmd, logoutCmd, headCmd, downloadCmd, readCmd, streamCmd, getCmd)
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	var validationErr *internal.ValidationError
	if errors.As(err, &validationErr) {
		internal.LogValidationError(validationErr)
	}
	return err
}

// currentHour is the default batch window.
func currentHour() time.Time {
	return time.Now().UTC().Truncate(time.Hour)
}
