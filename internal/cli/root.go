// Package cli is the treasury command line.
package cli

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/treasury/internal/core/config"
	"github.com/vietddude/treasury/internal/core/domain"
)

var (
	cfgPath    string
	isDebug    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "treasury",
	Short: "USDC treasury ledger",
	Long: `Treasury keeps USDC invoices in sync with on-chain transfers and moves
funds between chains with CCTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure. Validation
// and not-found errors exit 2, state conflicts 3, everything else 1.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		switch domain.KindOf(err) {
		case domain.KindValidation, domain.KindNotFound:
			os.Exit(2)
		case domain.KindStateConflict:
			os.Exit(3)
		default:
			os.Exit(1)
		}
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
}

// loadConfig reads the config file and initializes logging. A missing
// default config file falls back to built-in testnet defaults.
func loadConfig(cmd *cobra.Command) (*config.AppConfig, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg, err = config.Parse(nil)
	}
	if err != nil {
		stylelog.InitDefault()
		return nil, err
	}

	slogLevel := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}
	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
	return cfg, nil
}
