package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"fleetledger/internal/app"
	"fleetledger/internal/config"
	"fleetledger/internal/encryption"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// readConfig reads the config file named by the application defaults.
func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates a LedgerApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "RegisterClient", "StartHunt").
func newApp(cmd *cobra.Command, operation string) (*app.LedgerApp, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewLedgerApp(cmd.Context(), cfg, operation, currentUser(cmd))
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// currentUser returns the --user flag, falling back to $USER.
func currentUser(cmd *cobra.Command) string {
	if u, _ := cmd.Flags().GetString("user"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

// readPassphrase prompts on the terminal without echo.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// unlock asks for the passphrase when blobs are encrypted.
func unlock(a *app.LedgerApp) error {
	if !a.EncryptionEnabled() {
		return nil
	}
	passphrase, err := readPassphrase("Passphrase: ")
	if err != nil {
		return err
	}
	return a.Unlock(passphrase)
}

var rootCmd = &cobra.Command{
	Use:          "ledger",
	Short:        "Fleet work-dispatch and artifact ledger",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Log Level:  %s\n", cfg.LogLevel)
		fmt.Printf("Database:   %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Vault:      %s (%s)\n", cfg.Vault.Type, cfg.Vault.Name)
		fmt.Printf("Encryption: %s\n", cfg.Encryption.Type)
		fmt.Printf("Chunk Size: %d\n", cfg.Blobs.ChunkSize)
		return nil
	},
}

var configEncryptionCmd = &cobra.Command{
	Use:   "encryption",
	Short: "Manage blob encryption keys",
}

var configEncryptionInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the age key pair sealing blob chunks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		enc := encryption.NewAgeEncryptor(cfg.Encryption)
		if enc.IsConfigured() {
			return fmt.Errorf("keys already exist at %s", cfg.Encryption.PrivateKeyPath)
		}

		passphrase, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if passphrase == "" || passphrase != confirm {
			return fmt.Errorf("passphrases are empty or do not match")
		}

		if err := enc.Setup(passphrase); err != nil {
			return err
		}
		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s\n", cfg.Encryption.PrivateKeyPath)
		fmt.Println(`Set encryption.type = "age" in the config to seal new blobs.`)
		return nil
	},
}

// blob command
var blobCmd = &cobra.Command{
	Use:   "blob",
	Short: "Store and fetch artifacts",
}

var blobPutCmd = &cobra.Command{
	Use:   "put FILE",
	Short: "Store a file as a blob",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "PutFile")
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.PutFile(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(id.Hex())
		return nil
	},
}

var blobGetCmd = &cobra.Command{
	Use:   "get HASH OUTPUT",
	Short: "Write a stored file to OUTPUT",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "GetFile")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := unlock(a); err != nil {
			return err
		}
		if err := a.GetFile(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", args[1])
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View audited operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "GetHistory")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.GetHistory(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			fmt.Printf("#%d  %-16s  %s  %-10s  %-8s  %s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				operationStatus(op.Status),
				op.Username,
				duration(op.StartedAt, op.FinishedAt),
				op.Parameters,
			)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("user", "", "Operator name (default $USER)")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configEncryptionCmd)
	configEncryptionCmd.AddCommand(configEncryptionInitCmd)

	// blob subcommands
	blobCmd.AddCommand(blobPutCmd)
	blobCmd.AddCommand(blobGetCmd)

	// path subcommands
	pathCmd.AddCommand(pathCollectCmd)
	pathCmd.AddCommand(pathListCmd)
	pathListCmd.Flags().IntP("depth", "d", 1, "Levels to descend (-1 = whole subtree)")
	pathCmd.AddCommand(pathStatCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(flowCmd)
	rootCmd.AddCommand(huntCmd)
	rootCmd.AddCommand(approvalCmd)
	rootCmd.AddCommand(cronCmd)
	rootCmd.AddCommand(blobCmd)
	rootCmd.AddCommand(pathCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	rootCmd.AddCommand(workerCmd)
}
