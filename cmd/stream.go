package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"wmefetch/downloader"
	"wmefetch/internal"
)

const stopTimeout = 30 * time.Second

var (
	streamQuery  queryFlags
	logoutOnExit bool
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Follow the realtime article stream",
	Long: `Subscribe to the realtime articles stream and print each event as NDJSON.

Tokens are refreshed in the background for as long as the stream runs. With
--logout the refresh token is revoked and the token store deleted on exit.`,
	Example: `  wmefetch stream --since 2024-05-01T00:00:00Z --fields name,event.type
  wmefetch stream --filter is_part_of.identifier=enwiki --parts 0,1 --limit 100`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := streamQuery.build()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		auth, err := newAuthClient()
		if err != nil {
			return err
		}
		client, err := downloader.NewClientFromConfig(config)
		if err != nil {
			return err
		}

		helper := downloader.NewRefreshHelper(auth, config.RefreshInterval,
			downloader.WithTokenListener(client.SetAccessToken))
		if _, err := helper.GetAccessToken(ctx); err != nil {
			internal.LogAPIError(err)
			return err
		}

		printer := newRecordPrinter(cmd.OutOrStdout(), streamQuery.limit)
		streamErr := client.StreamArticles(ctx, req, printer.Print)
		if errors.Is(streamErr, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			streamErr = nil
		}
		if streamErr != nil {
			internal.LogAPIError(streamErr)
		}

		if logoutOnExit {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			if err := helper.Stop(stopCtx); err != nil {
				return errors.Join(streamErr, fmt.Errorf("logout failed: %w", err))
			}
		}

		internal.LogInfo("Stream closed after %d events", printer.count)
		return streamErr
	},
}

func init() {
	streamQuery.bind(streamCmd, true)
	streamCmd.Flags().BoolVar(&logoutOnExit, "logout", false, "Revoke tokens and delete the token store on exit")
}
