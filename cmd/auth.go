package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"wmefetch/internal"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Obtain tokens and save them to the token store",
	Long: `Log in with WME_USERNAME and WME_PASSWORD (or the username and password
config keys). A still-valid stored token is reused and an expired one is refreshed,
so running login again is cheap.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		auth, err := newAuthClient()
		if err != nil {
			return err
		}
		if _, err := auth.GetAccessToken(ctx); err != nil {
			internal.LogAPIError(err)
			return err
		}

		internal.LogInfo("Tokens stored in %s", auth.Store().Path())
		if !config.QuietMode {
			fmt.Fprintf(cmd.ErrOrStderr(), "Logged in, tokens stored in %s\n", auth.Store().Path())
		}
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a valid access token",
	Long: `Print an access token to stdout, logging in or refreshing as needed.
Useful for scripting: curl -H "Authorization: Bearer $(wmefetch token)" ...`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		auth, err := newAuthClient()
		if err != nil {
			return err
		}
		token, err := auth.GetAccessToken(ctx)
		if err != nil {
			internal.LogAPIError(err)
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the refresh token and delete the token store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		auth, err := newAuthClient()
		if err != nil {
			return err
		}
		if !auth.Store().Exists() {
			internal.LogInfo("No token store at %s, nothing to revoke", auth.Store().Path())
			return nil
		}
		if err := auth.ClearState(ctx); err != nil {
			internal.LogAPIError(err)
			return fmt.Errorf("logout failed, token store kept: %w", err)
		}

		if !config.QuietMode {
			fmt.Fprintln(cmd.ErrOrStderr(), "Logged out")
		}
		return nil
	},
}
