package cli

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentsh/execgate/internal/client"
	"github.com/agentsh/execgate/internal/config"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "execgate",
		Short:         "execgate: command execution firewall for agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("execgate {{.Version}}\n")

	cmd.PersistentFlags().String("config", config.DefaultPath(), "Path to config YAML")
	cmd.PersistentFlags().String("server", getenvDefault("EXECGATE_SERVER", ""), "execgate server base URL (default: server.addr from config)")
	cmd.PersistentFlags().String("api-key", getenvDefault("EXECGATE_API_KEY", ""), "API key for the server")
	cmd.PersistentFlags().String("api-key-header", getenvDefault("EXECGATE_API_KEY_HEADER", "X-API-Key"), "Header carrying the API key")

	cmd.AddCommand(newAnalyzeCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newApproveCmd())
	cmd.AddCommand(newAllowlistCmd())
	cmd.AddCommand(newProfilesCmd())
	cmd.AddCommand(newEventsCmd())
	cmd.AddCommand(newAuditCmd())

	return cmd
}

type clientConfig struct {
	serverAddr string
	apiKey     string
	header     string
}

func getClientConfig(cmd *cobra.Command) (*clientConfig, error) {
	flags := cmd.Root().PersistentFlags()
	serverAddr, _ := flags.GetString("server")
	apiKey, _ := flags.GetString("api-key")
	header, _ := flags.GetString("api-key-header")
	if serverAddr == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		serverAddr = cfg.Server.Addr
	}
	return &clientConfig{serverAddr: serverAddr, apiKey: apiKey, header: header}, nil
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	cfg, err := getClientConfig(cmd)
	if err != nil {
		return nil, err
	}
	return client.New(cfg.serverAddr, cfg.apiKey).WithHeader(cfg.header), nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}

// newLogger builds the slog handler named by logging.level and logging.format.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
