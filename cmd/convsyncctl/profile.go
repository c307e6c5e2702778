package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/profile"
)

var (
	initBaseURL  string
	initPushURL  string
	initUserID   string
	initUserName string
	initRole     string
	initCSRF     string
	initToken    string
)

func init() {
	profileInitCmd.Flags().StringVar(&initBaseURL, "base-url", "", "message store base URL")
	profileInitCmd.Flags().StringVar(&initPushURL, "push-url", "", "push channel URL (defaults to the base URL)")
	profileInitCmd.Flags().StringVar(&initUserID, "user-id", "", "local user id")
	profileInitCmd.Flags().StringVar(&initUserName, "user-name", "", "display name sent with typing signals")
	profileInitCmd.Flags().StringVar(&initRole, "role", string(model.RoleCustomer), "customer or supplier")
	profileInitCmd.Flags().StringVar(&initCSRF, "csrf-token", "", "CSRF token for mutating requests")
	profileInitCmd.Flags().StringVar(&initToken, "auth-token", "", "bearer token")
	_ = profileInitCmd.MarkFlagRequired("base-url")
	_ = profileInitCmd.MarkFlagRequired("user-id")

	profileCmd.AddCommand(profileListCmd, profileUseCmd, profileInitCmd, profileShowCmd)
	rootCmd.AddCommand(profileCmd)
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage profiles",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := profile.List()
		if err != nil {
			return err
		}
		active := profile.Resolve("")

		type row struct {
			Name    string `json:"name"`
			Path    string `json:"path"`
			Active  bool   `json:"active"`
			Running bool   `json:"running"`
			PID     int    `json:"pid,omitempty"`
		}
		rows := make([]row, 0, len(names))
		for _, n := range names {
			pid, _ := lock.Holder(profile.Dir(n))
			rows = append(rows, row{Name: n, Path: profile.Dir(n), Active: n == active, Running: pid != 0, PID: pid})
		}
		if jsonOutput {
			outputJSON(rows)
			return nil
		}
		if len(rows) == 0 {
			fmt.Println("No profiles found.")
			return nil
		}
		for _, r := range rows {
			marker := " "
			if r.Active {
				marker = "*"
			}
			running := "stopped"
			if r.Running {
				running = fmt.Sprintf("running, pid %d", r.PID)
			}
			fmt.Printf("%s %-20s %s (%s)\n", marker, r.Name, r.Path, running)
		}
		return nil
	},
}

var profileUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Set the default profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := profile.ValidateName(args[0]); err != nil {
			return err
		}
		cfg, err := config.Load(profile.ConfigPath())
		if errors.Is(err, os.ErrNotExist) {
			cfg, err = &config.Config{}, nil
		}
		if err != nil {
			return err
		}
		cfg.DefaultProfile = args[0]
		if err := config.Save(profile.ConfigPath(), cfg); err != nil {
			return err
		}
		fmt.Printf("Default profile: %s\n", args[0])
		return nil
	},
}

var profileInitCmd = &cobra.Command{
	Use:   "init <name>",
	Short: "Create or overwrite a profile's profile.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if err := profile.ValidateName(name); err != nil {
			return err
		}
		p := &config.Profile{
			Server: config.Server{
				BaseURL:   initBaseURL,
				PushURL:   initPushURL,
				CSRFToken: initCSRF,
				AuthToken: initToken,
			},
			Identity: config.Identity{
				UserID:   initUserID,
				UserName: initUserName,
				Role:     model.Role(initRole),
			},
			Sync: config.DefaultSync(),
		}
		if err := p.Validate(); err != nil {
			return err
		}
		if err := profile.EnsureDir(name); err != nil {
			return err
		}
		path := profile.ProfileConfigPath(name)
		if err := config.SaveProfile(path, p); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active profile's settings with tokens masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := activeProfile()
		if err != nil {
			return err
		}
		p, err := config.LoadProfile(profile.ProfileConfigPath(name))
		if err != nil {
			return err
		}
		p.Server.CSRFToken = mask(p.Server.CSRFToken)
		p.Server.AuthToken = mask(p.Server.AuthToken)
		if jsonOutput {
			outputJSON(p)
			return nil
		}
		fmt.Printf("Profile:   %s\n", name)
		fmt.Printf("Base URL:  %s\n", p.Server.BaseURL)
		fmt.Printf("Push URL:  %s\n", p.Server.PushURL)
		fmt.Printf("User:      %s (%s)\n", p.Identity.UserID, p.Identity.Role)
		fmt.Printf("Poll:      %s\n", p.Sync.PollInterval)
		fmt.Printf("Undo/bulk: %s timeout\n", p.Sync.BulkTimeout)
		return nil
	},
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}
