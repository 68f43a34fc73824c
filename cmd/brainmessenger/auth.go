package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	signupDisplayName string
	signupPassword    string
	loginPassword     string
)

func init() {
	signupCmd.Flags().StringVar(&signupDisplayName, "display-name", "", "Display name stored with the account")
	signupCmd.Flags().StringVar(&signupPassword, "password", "", "Password (default: $BRAIN_PASSWORD or prompt)")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password (default: $BRAIN_PASSWORD or prompt)")
	rootCmd.AddCommand(signupCmd, loginCmd, logoutCmd)
}

var signupCmd = &cobra.Command{
	Use:   "signup <email>",
	Short: "Create an account",
	Long:  "Register a new account. The backend sends a confirmation email before you can log in.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(signupPassword)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		user, err := a.sessions.SignUp(ctx, args[0], password, signupDisplayName)
		if err != nil {
			return userError(err)
		}

		fmt.Println("Account created!")
		fmt.Printf("  User ID: %s\n", user.ID)
		fmt.Printf("  Email:   %s\n", user.Email)
		if user.EmailConfirmedAt == nil {
			fmt.Println("  Check your inbox to confirm your email address, then run 'brainmessenger login'.")
		}
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and store the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(loginPassword)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.sessions.SignIn(ctx, args[0], password); err != nil {
			fmt.Println("Login failed:")
			printFieldErrors(a.sessions.Snapshot().Errors)
			return userError(err)
		}

		snap := a.sessions.Snapshot()
		fmt.Println("Login successful!")
		fmt.Printf("  User ID: %s\n", snap.UserID)
		fmt.Printf("  Email:   %s\n", snap.Email)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.sessions.IsAuthenticated() && a.sessions.CurrentSession() == nil {
			fmt.Println("Not signed in.")
			return nil
		}
		if err := a.sessions.SignOut(ctx); err != nil {
			return err
		}
		fmt.Println("Signed out.")
		return nil
	},
}
