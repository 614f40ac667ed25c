package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"sheetvault/internal/app"
	"sheetvault/internal/config"
	"sheetvault/internal/encryption"
	"sheetvault/internal/sv"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	path := defaults["config_path"]
	cfg, err := config.ReadFromFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

// runApp reads the config, builds an App for the command and runs fn.
// With open set, the object store is opened first.
func runApp(cmd *cobra.Command, open bool, fn func(ctx context.Context, a *app.App) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, cmd.CommandPath())
	if err != nil {
		return fmt.Errorf("initializing app: %w", err)
	}
	defer a.Close()

	if open {
		if err := a.Open(ctx); err != nil {
			a.Finish(err)
			return err
		}
	}
	err = fn(ctx, a)
	a.Finish(err)
	return err
}

// requester resolves the --as account.
func requester(ctx context.Context, cmd *cobra.Command, a *app.App) (sv.Requester, error) {
	id, _ := cmd.Flags().GetString("as")
	if id == "" {
		return sv.Requester{}, errors.New("no account given: pass --as or set SHEETVAULT_ACCOUNT")
	}
	return a.Requester(ctx, id)
}

// ownerFlag returns --owner, defaulting to the requester.
func ownerFlag(cmd *cobra.Command, r sv.Requester) string {
	if owner, _ := cmd.Flags().GetString("owner"); owner != "" {
		return owner
	}
	return r.ID
}

func printRecord(r *sv.UploadRecord) {
	status := "active"
	if r.Deleted {
		status = "deleted"
	}
	fmt.Printf("%s  %-8s  %-7s  %10d  %s  %s\n",
		r.ID,
		r.OwnerID,
		status,
		r.SizeBytes,
		r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		r.OriginalName,
	)
}

// readPassphrase prompts on the terminal, or reads one line from a pipe.
func readPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		var line string
		if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return line, nil
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

var rootCmd = &cobra.Command{
	Use:          "sheetvault",
	Short:        "Spreadsheet upload store",
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
		encrypt, _ := cmd.Flags().GetBool("encrypt")
		if encrypt {
			cfg.Encryption.Type = "age"
			passphrase := os.Getenv(cfg.Encryption.PassphraseEnv)
			if passphrase == "" {
				if passphrase, err = readPassphrase("Passphrase for the blob encryption key: "); err != nil {
					return err
				}
				confirm, err := readPassphrase("Repeat passphrase: ")
				if err != nil {
					return err
				}
				if confirm != passphrase {
					return errors.New("passphrases do not match")
				}
			}
			if passphrase == "" {
				return errors.New("empty passphrase")
			}
			if err := encryption.NewAgeEncryptor(cfg.Encryption).Setup(passphrase); err != nil {
				return fmt.Errorf("generating encryption keys: %w", err)
			}
		}

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		if encrypt {
			fmt.Printf("Public key: %s\n", cfg.Encryption.PublicKeyPath)
		}
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Base Dir:     %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:      %s\n", cfg.LogDir)
		fmt.Printf("Log Level:    %s\n", cfg.LogLevel)
		fmt.Printf("Listen:       %s\n", cfg.Server.Addr)
		fmt.Printf("Database:     %s\n", cfg.Database.Type)
		fmt.Printf("Object Store: %s (bucket %s, %d byte chunks)\n", cfg.ObjectStore.Type, cfg.ObjectStore.BucketName, cfg.ObjectStore.ChunkSizeBytes)
		fmt.Printf("Staging:      %s (max %d bytes)\n", cfg.Staging.Type, cfg.Staging.MaxSize)
		fmt.Printf("Encryption:   %s\n", cfg.Encryption.Type)
		fmt.Printf("Notify:       %s\n", cfg.Notify.Type)
		fmt.Printf("Summarizer:   %s\n", cfg.Summarizer.Type)
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(cmd, false, func(ctx context.Context, a *app.App) error {
			return a.Serve(ctx)
		})
	},
}

// account command
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add ID",
	Short: "Register an account or change its role",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roleName, _ := cmd.Flags().GetString("role")
		role, err := sv.ParseRole(roleName)
		if err != nil {
			return err
		}
		return runApp(cmd, false, func(ctx context.Context, a *app.App) error {
			if err := a.AddAccount(ctx, args[0], role); err != nil {
				return err
			}
			fmt.Printf("Account %s: %s\n", args[0], role)
			return nil
		})
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(cmd, false, func(ctx context.Context, a *app.App) error {
			accounts, err := a.ListAccounts(ctx)
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Println("No accounts.")
				return nil
			}
			for _, acc := range accounts {
				fmt.Printf("%-20s  %-11s  %s\n", acc.ID, acc.Role, acc.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		})
	},
}

// token command
var tokenCmd = &cobra.Command{
	Use:   "token ID",
	Short: "Issue an API token for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		return runApp(cmd, false, func(ctx context.Context, a *app.App) error {
			token, err := a.Token(ctx, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		})
	},
}

// upload command
var uploadCmd = &cobra.Command{
	Use:   "upload FILE...",
	Short: "Store spreadsheets",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(cmd, true, func(ctx context.Context, a *app.App) error {
			r, err := requester(ctx, cmd, a)
			if err != nil {
				return err
			}
			for _, path := range args {
				record, err := a.Upload(ctx, r, path)
				if err != nil {
					return fmt.Errorf("uploading %s: %w", path, err)
				}
				parsed := "not parsed"
				if record.Parsed() {
					parsed = fmt.Sprintf("%d rows, columns %s", record.TotalRows, strings.Join(record.Columns, ","))
				}
				fmt.Printf("%s  %s  (%s)\n", record.ID, record.OriginalName, parsed)
			}
			return nil
		})
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List uploads",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(cmd, false, func(ctx context.Context, a *app.App) error {
			r, err := requester(ctx, cmd, a)
			if err != nil {
				return err
			}
			records, err := a.List(ctx, r, ownerFlag(cmd, r))
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No uploads.")
				return nil
			}
			for _, record := range records {
				printRecord(record)
			}
			return nil
		})
	},
}

// get command
var getCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one upload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(cmd, false, func(ctx context.Context, a *app.App) error {
			r, err := requester(ctx, cmd, a)
			if err != nil {
				return err
			}
			record, err := a.Get(ctx, r, args[0])
			if err != nil {
				return err
			}
			printRecord(record)
			if record.Parsed() {
				fmt.Printf("Columns: %s\n", strings.Join(record.Columns, ", "))
				fmt.Printf("Rows:    %d (%d in preview)\n", record.TotalRows, len(record.SamplePreview))
			}
			if record.InsightText != "" {
				fmt.Printf("\n%s\n", record.InsightText)
			}
			return nil
		})
	},
}

// download command
var downloadCmd = &cobra.Command{
	Use:   "download ID",
	Short: "Write the stored file to disk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		return runApp(cmd, true, func(ctx context.Context, a *app.App) error {
			r, err := requester(ctx, cmd, a)
			if err != nil {
				return err
			}
			path, err := a.Download(ctx, r, args[0], out)
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		})
	},
}

// delete command
var deleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete an upload",
	Long:  "Owners soft-delete their own uploads. Admins and super-admins purge the record entirely.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(cmd, true, func(ctx context.Context, a *app.App) error {
			r, err := requester(ctx, cmd, a)
			if err != nil {
				return err
			}
			result, err := a.Delete(ctx, r, args[0])
			if err != nil {
				return err
			}
			action := "Deleted"
			if result.Purged {
				action = "Purged"
			}
			fmt.Printf("%s %s (owner %s)\n", action, result.RecordID, result.OwnerID)
			if result.Warning != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", result.Warning)
			}
			return nil
		})
	},
}

// stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show upload counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(cmd, false, func(ctx context.Context, a *app.App) error {
			r, err := requester(ctx, cmd, a)
			if err != nil {
				return err
			}
			stats, err := a.Stats(ctx, r, ownerFlag(cmd, r))
			if err != nil {
				return err
			}
			fmt.Printf("Owner:  %s\nActive: %d\nTotal:  %d\n", stats.OwnerID, stats.Active, stats.Total)
			return nil
		})
	},
}

// reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile OWNER",
	Short: "Compare stored blobs with upload records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		purge, _ := cmd.Flags().GetBool("purge")
		return runApp(cmd, true, func(ctx context.Context, a *app.App) error {
			r, err := requester(ctx, cmd, a)
			if err != nil {
				return err
			}
			report, err := a.Reconcile(ctx, r, args[0], purge)
			if err != nil {
				return err
			}
			fmt.Printf("Owner %s: %d blobs, %d records\n", report.OwnerID, report.Blobs, report.Records)
			for _, b := range report.Orphaned {
				fmt.Printf("orphaned   %s  %s\n", b.ID, b.Filename)
			}
			for _, b := range report.Lingering {
				fmt.Printf("lingering  %s  %s\n", b.ID, b.Filename)
			}
			for _, rec := range report.Missing {
				fmt.Printf("missing    %s  %s (record %s)\n", rec.ObjectStoreID, rec.OriginalName, rec.ID)
			}
			if report.Clean() {
				fmt.Println("Clean.")
			}
			if purge {
				fmt.Printf("Purged %d blob(s), %d failure(s)\n", report.Purged, report.PurgeFailures)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().String("as", os.Getenv("SHEETVAULT_ACCOUNT"), "Account to act as")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().Bool("encrypt", false, "Generate an age key pair and encrypt stored blobs")

	// account subcommands
	accountCmd.AddCommand(accountAddCmd)
	accountCmd.AddCommand(accountListCmd)
	accountAddCmd.Flags().String("role", string(sv.RoleUser), "Role: user, admin or super-admin")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime, 0 for no expiry")
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().String("owner", "", "Owner to list (admins only; default: yourself)")
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(downloadCmd)
	downloadCmd.Flags().StringP("out", "o", "", "Output path (default: original file name)")
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().String("owner", "", "Owner to count (admins only; default: yourself)")
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().Bool("purge", false, "Delete orphaned and lingering blobs")
}
