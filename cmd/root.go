package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/maskwatch/internal/store"
	"github.com/andresmejia3/maskwatch/internal/utils"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// DB is the optional event-log store shared by subcommands. Nil when no database is configured.
	DB *store.Store
	// dbURL is the connection string
	dbURL string
)

// Version is the application version.
const Version = "0.1.0"

// errReported marks errors whose box has already been printed.
var errReported = errors.New("reported")

var rootCmd = &cobra.Command{
	Use:           "maskwatch",
	Short:         "Face-match and mask timeline for video",
	Version:       Version, // This enables the --version flag
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		url := resolveDBURL(dbURL)
		if url == "" {
			return nil // the store is optional
		}

		var err error
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), url)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
}

// closeDB releases the store. cobra skips post-run hooks when RunE fails, so
// it runs after ExecuteContext instead.
var closeDB = func() {
	if DB != nil {
		// Use Background here because the main context might be cancelled already (due to Ctrl+C)
		// and we still need to send the "Close" command to the DB.
		DB.Close(context.Background())
		DB = nil
	}
}

// resolveDBURL prefers the flag, then POSTGRES_* from the environment. Empty means no store.
func resolveDBURL(flag string) string {
	if flag != "" {
		return flag
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

// requireDB fails commands that only make sense with a store.
func requireDB() error {
	if DB == nil {
		return errors.New("no database configured: pass --db or set POSTGRES_HOST")
	}
	return nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx); err != nil {
		if !errors.Is(err, errReported) {
			utils.ShowError("Command failed", err, nil)
		}
		os.Exit(1)
	}
}

// execute runs the command tree and always releases the store afterwards.
func execute(ctx context.Context) error {
	defer closeDB()
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initEnv)
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the event-log store (optional)")
}

func initEnv() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
