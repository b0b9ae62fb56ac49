package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/internal/config"
	"github.com/fieldops/fieldsync/internal/state"
	"github.com/fieldops/fieldsync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "session",
	Short:   "Sign in to a tenant",
	Long: `Store the tenant and user this device syncs for. Every request to the server
is scoped to them.

In a terminal the command prompts for missing values. Otherwise pass
--tenant and --user.`,
	Run: func(cmd *cobra.Command, args []string) {
		tenant, _ := cmd.Flags().GetString("tenant")
		user, _ := cmd.Flags().GetString("user")

		if (tenant == "" || user == "") && ui.IsInteractive() {
			if err := promptLogin(&tenant, &user); err != nil {
				fatal("%v", err)
			}
		}
		tenant = strings.TrimSpace(tenant)
		user = strings.TrimSpace(user)
		if tenant == "" || user == "" {
			fatal("--tenant and --user are required")
		}

		session := openSession()
		if err := session.SignIn(tenant, user); err != nil {
			fatal("signing in: %v", err)
		}
		fmt.Printf("%s Signed in as %s on %s\n", ui.RenderPass("✓"), ui.RenderBold(user), tenant)
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "session",
	Short:   "Sign out; queued operations stay on the device",
	Run: func(cmd *cobra.Command, args []string) {
		session := openSession()
		if !session.Authenticated() {
			fmt.Println(ui.RenderMuted("Not signed in"))
			return
		}
		if err := session.SignOut(); err != nil {
			fatal("signing out: %v", err)
		}
		fmt.Printf("%s Signed out\n", ui.RenderPass("✓"))
	},
}

// openSession reads the session file without opening the database.
func openSession() *state.File {
	cfg := loadConfig()
	session, err := state.Open(cfg.StatePath())
	if err != nil {
		fatal("%v", err)
	}
	return session
}

func promptLogin(tenant, user *string) error {
	required := func(field string) func(string) error {
		return func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New(field + " is required")
			}
			return nil
		}
	}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Tenant").
				Description("Company identifier provided by your administrator").
				Value(tenant).
				Validate(required("tenant")),
			huh.NewInput().
				Title("User").
				Value(user).
				Validate(required("user")),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return errors.New("login cancelled")
		}
		return err
	}
	return nil
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Show the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if jsonOutput {
			printJSON(cfg)
			return
		}
		fmt.Printf("%s %s\n", ui.RenderMuted("config prefix:"), config.EnvPrefix)
		fmt.Printf("   data_dir:        %s\n", cfg.DataDir)
		fmt.Printf("   server_url:      %s\n", cfg.ServerURL)
		fmt.Printf("   sync_interval:   %v\n", cfg.SyncInterval)
		fmt.Printf("   boot_delay:      %v\n", cfg.BootDelay)
		fmt.Printf("   probe_interval:  %v\n", cfg.ProbeInterval)
		fmt.Printf("   retry:           %d attempts, %v to %v\n", cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)
		fmt.Printf("   log:             %s (%s)\n", cfg.Log.Level, cfg.Log.Format)
		if cfg.Inbox != "" {
			fmt.Printf("   inbox:           %s\n", cfg.Inbox)
		}
	},
}

func init() {
	loginCmd.Flags().String("tenant", "", "tenant (company) id")
	loginCmd.Flags().String("user", "", "user id")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(configCmd)
}
