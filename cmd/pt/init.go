package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/papertrailhq/papertrail/internal/ui"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set up this device's papertrail profile",
	Long: `Create the local profile directory, database and configuration.

Prompts for the sync server URL, a device name, and the session token
issued by the account service. Safe to re-run; existing values are
offered as defaults.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL := viper.GetString("server.url")
		deviceName := viper.GetString("device.name")
		token := viper.GetString("server.token")

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Sync server URL").
					Description("The papertrail API this device syncs with").
					Placeholder("https://api.papertrail.app").
					Value(&serverURL),
				huh.NewInput().
					Title("Device name").
					Description("Shown on other devices in your account").
					Placeholder("my-laptop").
					Value(&deviceName),
				huh.NewInput().
					Title("Session token").
					Description("Paste the token from your account page").
					EchoMode(huh.EchoModePassword).
					Value(&token),
			),
		)
		if err := form.Run(); err != nil {
			return fmt.Errorf("setup cancelled: %w", err)
		}

		dir := profileDir()
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create profile directory: %w", err)
		}

		viper.Set("server.url", serverURL)
		viper.Set("server.token", token)
		viper.Set("device.name", deviceName)
		if viper.GetString("device.id") == "" {
			viper.Set("device.id", uuid.NewString())
		}

		cfgPath := filepath.Join(dir, "config.yaml")
		if err := viper.WriteConfigAs(cfgPath); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}

		// Create the database up front so the first add is instant.
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		fmt.Printf("%s Profile ready at %s\n", ui.RenderPass("✓"), dir)
		fmt.Printf("   Database: %s\n", st.Path())
		fmt.Printf("   Device:   %s (%s)\n", deviceName, viper.GetString("device.id"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
