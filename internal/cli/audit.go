package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentsh/execgate/internal/audit"
	"github.com/agentsh/execgate/internal/store/jsonl"
	"github.com/agentsh/execgate/internal/store/sqlite"
	"github.com/agentsh/execgate/pkg/types"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log management commands",
	}

	cmd.AddCommand(newAuditVerifyCmd())
	return cmd
}

func newAuditVerifyCmd() *cobra.Command {
	var (
		dbPath    string
		jsonlPath string
		keyFile   string
		keyEnv    string
		algorithm string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the integrity chain of the audit database",
		Long: `Verify the HMAC integrity chain of the SQLite audit database.

Every event must carry integrity metadata whose prev_hash matches the previous
entry's entry_hash and whose entry_hash is the HMAC of the event payload.
Key and algorithm default to audit.integrity from the config. With --jsonl
the JSONL mirror (including rotated backups) is checked instead.

Examples:
  execgate audit verify
  execgate audit verify --jsonl ~/.execgate/audit.jsonl
  execgate audit verify --db-path ./audit.db --key-env=EXECGATE_AUDIT_KEY --algorithm=hmac-sha512`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if dbPath == "" {
				dbPath = cfg.Audit.SQLitePath
			}
			if keyFile == "" && keyEnv == "" {
				keyFile, keyEnv = cfg.Audit.Integrity.KeyFile, cfg.Audit.Integrity.KeyEnv
			}
			if keyFile == "" && keyEnv == "" {
				return fmt.Errorf("either --key-file or --key-env is required")
			}
			if algorithm == "" {
				algorithm = cfg.Audit.Integrity.Algorithm
			}
			switch algorithm {
			case "", "hmac-sha256", "hmac-sha512":
			default:
				return fmt.Errorf("unsupported algorithm %q: use hmac-sha256 or hmac-sha512", algorithm)
			}

			key, err := audit.LoadKey(keyFile, keyEnv)
			if err != nil {
				return fmt.Errorf("load key: %w", err)
			}

			evs, err := loadAuditEvents(cmd.Context(), dbPath, jsonlPath)
			if err != nil {
				return err
			}

			if err := audit.Verify(key, algorithm, evs); err != nil {
				var ve *audit.VerifyError
				if errors.As(err, &ve) {
					return &ExitError{code: ExitDenied, message: "FAIL: " + ve.Error()}
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries verified\n", len(evs))
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db-path", "", "SQLite audit DB (default: audit.sqlite_path)")
	cmd.Flags().StringVar(&jsonlPath, "jsonl", "", "Verify a JSONL audit file and its backups instead of the DB")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "Path to HMAC key file")
	cmd.Flags().StringVar(&keyEnv, "key-env", "", "Environment variable containing HMAC key")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "HMAC algorithm: hmac-sha256 or hmac-sha512 (default: audit.integrity.algorithm)")

	return cmd
}

func loadAuditEvents(ctx context.Context, dbPath, jsonlPath string) ([]types.Event, error) {
	if jsonlPath != "" {
		files := jsonl.Files(jsonlPath)
		if len(files) == 0 {
			return nil, fmt.Errorf("audit jsonl: %s: no such file", jsonlPath)
		}
		return jsonl.ReadEvents(files...)
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("audit database: %w", err)
	}
	st, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.AllEvents(ctx)
}
