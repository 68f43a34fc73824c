package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	brainmessenger "github.com/brainmessenger/brainmessenger-go"
	"github.com/spf13/cobra"
)

var profileShowJSON bool

func init() {
	profileShowCmd.Flags().BoolVar(&profileShowJSON, "json", false, "Output raw JSON")
	profileCmd.AddCommand(profileShowCmd, profileSetCmd, profileAvatarCmd)
	rootCmd.AddCommand(profileCmd)
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "View and edit your profile settings",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print your profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		e, err := a.settings(ctx, nil)
		if err != nil {
			return userError(err)
		}
		defer e.Close()

		s := e.State().Settings
		if profileShowJSON {
			b, _ := json.MarshalIndent(s, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		printSettings(s)
		return nil
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set <field> <value>",
	Short: "Change one profile field",
	Long: "Change one profile field and wait until the backend confirms it.\n" +
		"Fields: " + fieldList(),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		field, err := parseField(args[0])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		e, err := a.settings(ctx, nil)
		if err != nil {
			return userError(err)
		}
		defer e.Close()

		if err := e.Set(field, args[1]); err != nil {
			return userError(err)
		}
		e.Blur(field)
		if err := e.Flush(ctx); err != nil {
			return err
		}

		st := e.State()
		if msgs := st.Errors[string(field)]; len(msgs) > 0 {
			return fmt.Errorf("%s not saved: %s", field, msgs[0])
		}
		fmt.Printf("Saved %s.\n", field)
		printSettings(st.Settings)
		return nil
	},
}

var profileAvatarCmd = &cobra.Command{
	Use:   "avatar <image-file>",
	Short: "Upload a new avatar image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", args[0], err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		e, err := a.settings(ctx, nil)
		if err != nil {
			return userError(err)
		}
		defer e.Close()

		url, err := e.UploadAvatar(ctx, data, filepath.Base(args[0]))
		if err != nil {
			return userError(err)
		}
		fmt.Printf("Avatar updated: %s\n", url)
		return nil
	},
}

func parseField(name string) (brainmessenger.Field, error) {
	name = strings.ReplaceAll(strings.ToLower(name), "-", "_")
	for _, f := range brainmessenger.Fields {
		if string(f) == name {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown field %q (valid: %s)", name, fieldList())
}

func fieldList() string {
	names := make([]string, len(brainmessenger.Fields))
	for i, f := range brainmessenger.Fields {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}

func printSettings(s brainmessenger.UserSettings) {
	fmt.Printf("Username:     %s\n", s.Username)
	fmt.Printf("Display Name: %s\n", s.DisplayName)
	fmt.Printf("Email:        %s\n", s.Email)
	fmt.Printf("Visibility:   %s\n", s.Visibility)
	fmt.Printf("Bio:          %s\n", valueOrDefault(s.Bio, "(empty)"))
	fmt.Printf("Avatar:       %s\n", valueOrDefault(s.AvatarURL, "(none)"))
	if !s.LastUpdateTime.IsZero() {
		fmt.Printf("Updated:      %s\n", s.LastUpdateTime.Local().Format(time.RFC3339))
	}
}
