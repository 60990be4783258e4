package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tariel-x/sleepchecker/internal/config"
	"github.com/tariel-x/sleepchecker/internal/handlers"
	"github.com/tariel-x/sleepchecker/internal/push"
)

const AppVersion = "1.0.0"

// Build timestamp - set at compile time or use current time
var buildTimestamp = time.Now().Unix()

var (
	flagHTTPOnly   bool
	flagSelfSigned bool
	flagTokenTTL   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "sleepchecker",
	Short: "Bedtime bath and wind-down push reminders",
	Long: `sleepchecker schedules two Web Push reminders before each subscriber's bedtime:
a bath reminder 90 minutes before and a wind-down reminder 30 minutes before.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var vapidKeysCmd = &cobra.Command{
	Use:   "vapid-keys",
	Short: "Print a fresh VAPID key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		publicKey, privateKey, err := push.GenerateVAPIDKeys()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", publicKey, privateKey)
		return nil
	},
}

var adminTokenCmd = &cobra.Command{
	Use:   "admin-token",
	Short: "Mint an operator token for the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		config.LoadDotEnv()
		cfg, err := config.Load(afero.NewOsFs())
		if err != nil {
			return err
		}
		if cfg.AdminJWTSecret == "" {
			return fmt.Errorf("ADMIN_JWT_SECRET is not set; admin routes are open")
		}
		token, err := handlers.NewAdminToken(cfg.AdminJWTSecret, flagTokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.Flags().BoolVar(&flagHTTPOnly, "http-only", false, "Run in backend-only mode (disable SSL/LE, use HTTP)")
	rootCmd.Flags().BoolVar(&flagSelfSigned, "self-signed", false, "Enable HTTPS using a generated self-signed certificate")
	adminTokenCmd.Flags().DurationVar(&flagTokenTTL, "ttl", 24*time.Hour, "Token lifetime")

	rootCmd.AddCommand(vapidKeysCmd, adminTokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
