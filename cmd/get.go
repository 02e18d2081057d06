package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"wmefetch/downloader"
	"wmefetch/internal"
)

var (
	getQuery queryFlags
	getHour  string
)

// lookup runs one metadata query; ids are the positional arguments after the
// entity name.
type lookup struct {
	args int
	run  func(ctx context.Context, c *downloader.Client, ids []string, req *internal.Request) (interface{}, error)
}

var lookups = map[string]lookup{
	"codes": {run: func(ctx context.Context, c *downloader.Client, _ []string, req *internal.Request) (interface{}, error) {
		return c.GetCodes(ctx, req)
	}},
	"code": {args: 1, run: func(ctx context.Context, c *downloader.Client, ids []string, req *internal.Request) (interface{}, error) {
		return c.GetCode(ctx, ids[0], req)
	}},
	"languages": {run: func(ctx context.Context, c *downloader.Client, _ []string, req *internal.Request) (interface{}, error) {
		return c.GetLanguages(ctx, req)
	}},
	"language": {args: 1, run: func(ctx context.Context, c *downloader.Client, ids []string, req *internal.Request) (interface{}, error) {
		return c.GetLanguage(ctx, ids[0], req)
	}},
	"projects": {run: func(ctx context.Context, c *downloader.Client, _ []string, req *internal.Request) (interface{}, error) {
		return c.GetProjects(ctx, req)
	}},
	"project": {args: 1, run: func(ctx context.Context, c *downloader.Client, ids []string, req *internal.Request) (interface{}, error) {
		return c.GetProject(ctx, ids[0], req)
	}},
	"namespaces": {run: func(ctx context.Context, c *downloader.Client, _ []string, req *internal.Request) (interface{}, error) {
		return c.GetNamespaces(ctx, req)
	}},
	"namespace": {args: 1, run: func(ctx context.Context, c *downloader.Client, ids []string, req *internal.Request) (interface{}, error) {
		id, err := strconv.Atoi(ids[0])
		if err != nil {
			return nil, internal.NewValidationErrorWithValue("namespace", "must be an integer", ids[0])
		}
		return c.GetNamespace(ctx, id, req)
	}},
	"snapshots": {run: func(ctx context.Context, c *downloader.Client, _ []string, req *internal.Request) (interface{}, error) {
		return c.GetSnapshots(ctx, req)
	}},
	"snapshot": {args: 1, run: func(ctx context.Context, c *downloader.Client, ids []string, req *internal.Request) (interface{}, error) {
		return c.GetSnapshot(ctx, ids[0], req)
	}},
	"chunks": {args: 1, run: func(ctx context.Context, c *downloader.Client, ids []string, req *internal.Request) (interface{}, error) {
		return c.GetChunks(ctx, ids[0], req)
	}},
	"chunk": {args: 2, run: func(ctx context.Context, c *downloader.Client, ids []string, req *internal.Request) (interface{}, error) {
		return c.GetChunk(ctx, ids[0], ids[1], req)
	}},
	"batches": {run: func(ctx context.Context, c *downloader.Client, _ []string, req *internal.Request) (interface{}, error) {
		hour, err := parseBatchHour(getHour)
		if err != nil {
			return nil, err
		}
		return c.GetBatches(ctx, hour, req)
	}},
	"batch": {args: 1, run: func(ctx context.Context, c *downloader.Client, ids []string, req *internal.Request) (interface{}, error) {
		hour, err := parseBatchHour(getHour)
		if err != nil {
			return nil, err
		}
		return c.GetBatch(ctx, hour, ids[0], req)
	}},
	"articles": {args: 1, run: func(ctx context.Context, c *downloader.Client, ids []string, req *internal.Request) (interface{}, error) {
		return c.GetArticles(ctx, ids[0], req)
	}},
	"structured-contents": {args: 1, run: func(ctx context.Context, c *downloader.Client, ids []string, req *internal.Request) (interface{}, error) {
		return c.GetStructuredContents(ctx, ids[0], req)
	}},
	"structured-snapshots": {run: func(ctx context.Context, c *downloader.Client, _ []string, req *internal.Request) (interface{}, error) {
		return c.GetStructuredSnapshots(ctx, req)
	}},
	"structured-snapshot": {args: 1, run: func(ctx context.Context, c *downloader.Client, ids []string, req *internal.Request) (interface{}, error) {
		return c.GetStructuredSnapshot(ctx, ids[0], req)
	}},
}

func lookupNames() []string {
	names := make([]string, 0, len(lookups))
	for name := range lookups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveLookup checks the entity name and its argument count.
func resolveLookup(args []string) (lookup, []string, error) {
	l, ok := lookups[args[0]]
	if !ok {
		return lookup{}, nil, internal.NewValidationErrorWithValue("entity", "unknown entity", args[0]).
			WithSuggestion("One of: " + strings.Join(lookupNames(), ", "))
	}
	ids := args[1:]
	if len(ids) != l.args {
		return lookup{}, nil, internal.NewValidationErrorWithValue("arguments",
			fmt.Sprintf("%s takes %d identifier(s)", args[0], l.args), strings.Join(ids, " "))
	}
	return l, ids, nil
}

var getCmd = &cobra.Command{
	Use:   "get <entity> [id...]",
	Short: "Query metadata and article endpoints",
	Long: `Query a metadata or article endpoint and print the JSON response.

Entities: ` + strings.Join(lookupNames(), ", "),
	Example: `  wmefetch get projects --fields identifier,url
  wmefetch get snapshots --filter is_part_of.identifier=enwiki
  wmefetch get chunks enwiki_namespace_0
  wmefetch get batches --hour 2024-05-01T13
  wmefetch get articles "AC/DC" --filter is_part_of.identifier=enwiki`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, ids, err := resolveLookup(args)
		if err != nil {
			return err
		}
		req, err := getQuery.build()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		client, err := newAPIClient(ctx)
		if err != nil {
			return err
		}
		result, err := l.run(ctx, client, ids, req)
		if err != nil {
			internal.LogAPIError(err)
			return err
		}
		return writeJSON(cmd.OutOrStdout(), result)
	},
}

func init() {
	getQuery.bind(getCmd, false)
	getCmd.Flags().StringVar(&getHour, "hour", "", "Batch hour (YYYY-MM-DDTHH, UTC); defaults to the current hour")
}
