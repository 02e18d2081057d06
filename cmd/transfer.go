package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"wmefetch/downloader"
	"wmefetch/internal"
	"wmefetch/utils"
)

const kindUsage = "<snapshot|chunk|batch|structured-snapshot> <id>... "

var (
	batchHour   string
	outputPath  string
	chunkSize   string
	concurrency int
	limitRate   string
	inputFile   string
	readLimit   int
)

var headCmd = &cobra.Command{
	Use:   "head " + kindUsage,
	Short: "Show size, ETag and modification time of a downloadable resource",
	Example: `  wmefetch head snapshot enwiki_namespace_0
  wmefetch head chunk enwiki_namespace_0 enwiki_namespace_0_chunk_0
  wmefetch head batch enwiki_namespace_0 --hour 2024-05-01T13`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		path, err := targetPath(args)
		if err != nil {
			return err
		}
		client, err := newAPIClient(ctx)
		if err != nil {
			return err
		}

		meta, err := client.Head(ctx, path)
		if err != nil {
			internal.LogAPIError(err)
			return err
		}
		return writeJSON(cmd.OutOrStdout(), meta)
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download " + kindUsage,
	Short: "Download an archive with parallel range requests",
	Long: `Download a snapshot, chunk, batch or structured-contents snapshot archive.

The file is split into ranges of --chunk-size bytes fetched by up to
--concurrency workers. Progress is kept next to the output file, so an
interrupted download resumes where it stopped when run again.`,
	Example: `  wmefetch download snapshot enwiki_namespace_0 --chunk-size 64M --concurrency 8
  wmefetch download batch enwiki_namespace_0 --hour 2024-05-01T13 -o batch.tar.gz
  wmefetch download chunk enwiki_namespace_0 enwiki_namespace_0_chunk_0 --limit-rate 10M`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyTransferFlags(cmd); err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		path, err := targetPath(args)
		if err != nil {
			return err
		}

		output := outputPath
		if output == "" {
			output = defaultOutputName(args[1:])
		}
		if dir := filepath.Dir(output); dir != "." {
			if err := utils.NewFileOperations().EnsureDir(dir); err != nil {
				return fmt.Errorf("cannot create output directory: %w", err)
			}
		}

		client, err := newAPIClient(ctx, downloader.WithEngineOptions(
			downloader.WithProgress(config.QuietMode),
		))
		if err != nil {
			return err
		}

		internal.LogInfo("Downloading %s to %s", path, output)
		if err := client.DownloadToFile(ctx, path, output); err != nil {
			internal.LogAPIError(err)
			if ctx.Err() != nil && !config.QuietMode {
				fmt.Fprintln(cmd.ErrOrStderr(), "Download interrupted; run the same command again to resume")
			}
			return err
		}

		if !config.QuietMode {
			fmt.Fprintf(cmd.ErrOrStderr(), "Saved %s\n", output)
		}
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read [" + kindUsage + "]",
	Short: "Print the NDJSON records of an archive",
	Long: `Stream an archive from the API, or a local file with --file, and print
its records as NDJSON on stdout.`,
	Example: `  wmefetch read snapshot enwiki_namespace_0 --limit 5
  wmefetch read --file enwiki_namespace_0.tar.gz`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		printer := newRecordPrinter(cmd.OutOrStdout(), readLimit)

		if inputFile != "" {
			if len(args) > 0 {
				return internal.NewValidationError("arguments", "--file and a remote resource are mutually exclusive")
			}
			f, err := os.Open(inputFile)
			if err != nil {
				return fmt.Errorf("cannot open archive: %w", err)
			}
			defer f.Close()

			client, err := downloader.NewClientFromConfig(config)
			if err != nil {
				return err
			}
			return client.ReadAll(f, printer.Print)
		}

		if len(args) < 2 {
			return internal.NewValidationError("arguments", "a resource kind and identifier are required").
				WithSuggestion("Use --file to read a local archive")
		}
		path, err := targetPath(args)
		if err != nil {
			return err
		}
		client, err := newAPIClient(ctx)
		if err != nil {
			return err
		}
		if err := client.Read(ctx, path, printer.Print); err != nil {
			internal.LogAPIError(err)
			return err
		}
		internal.LogDebug("Printed %d records from %s", printer.count, path)
		return nil
	},
}

// targetPath resolves "kind id..." arguments to a download path.
func targetPath(args []string) (string, error) {
	hour, err := parseBatchHour(batchHour)
	if err != nil {
		return "", err
	}
	return resourcePath(args[0], args[1:], hour)
}

// applyTransferFlags overlays explicitly set download flags onto config.
func applyTransferFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if flags.Changed("chunk-size") {
		size, err := utils.ParseRateLimit(chunkSize)
		if err != nil {
			return internal.NewValidationErrorWithValue("chunk-size", err.Error(), chunkSize)
		}
		config.DownloadChunkSize = size
	}
	if flags.Changed("concurrency") {
		config.DownloadConcurrency = concurrency
	}
	if flags.Changed("limit-rate") {
		bps, err := utils.ParseRateLimit(limitRate)
		if err != nil {
			return internal.NewValidationErrorWithValue("limit-rate", err.Error(), limitRate)
		}
		config.MaxBytesPerSecond = bps
	}
	return config.ValidateConfig()
}

func init() {
	for _, c := range []*cobra.Command{headCmd, downloadCmd, readCmd} {
		c.Flags().StringVar(&batchHour, "hour", "", "Batch hour (YYYY-MM-DDTHH, UTC); defaults to the current hour")
	}

	flags := downloadCmd.Flags()
	flags.StringVarP(&outputPath, "output", "o", "", "Output file (default <id>.tar.gz)")
	flags.StringVar(&chunkSize, "chunk-size", "", "Range size, e.g. 64M (env: WME_CHUNK_SIZE); unset downloads in one request")
	flags.IntVarP(&concurrency, "concurrency", "c", 10, "Parallel range requests (env: WME_CONCURRENCY)")
	flags.StringVar(&limitRate, "limit-rate", "", "Bandwidth limit, e.g. 500K or 2M")

	readCmd.Flags().StringVarP(&inputFile, "file", "f", "", "Read a local .tar.gz archive instead of the API")
	readCmd.Flags().IntVar(&readLimit, "limit", 0, "Stop after this many records")
}
