package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/JamesJJ/dmarc-rollup/internal/rollup"
	"github.com/spf13/cobra"
)

var (
	rollupFilter filterFlags
	rollupLimit  int
)

// rollupViews maps a view name onto the engine call producing it.
var rollupViews = map[string]func(ctx context.Context, e *rollup.Engine, f rollup.Filter, limit int) (interface{}, error){
	"summary": func(ctx context.Context, e *rollup.Engine, f rollup.Filter, _ int) (interface{}, error) {
		return e.Summary(ctx, f)
	},
	"timeline": func(ctx context.Context, e *rollup.Engine, f rollup.Filter, _ int) (interface{}, error) {
		return e.Timeline(ctx, f)
	},
	"sources": func(ctx context.Context, e *rollup.Engine, f rollup.Filter, limit int) (interface{}, error) {
		return e.Sources(ctx, f, limit)
	},
	"alignment": func(ctx context.Context, e *rollup.Engine, f rollup.Filter, _ int) (interface{}, error) {
		return e.Alignment(ctx, f)
	},
	"trend": func(ctx context.Context, e *rollup.Engine, f rollup.Filter, _ int) (interface{}, error) {
		return e.FailureTrend(ctx, f)
	},
	"orgs": func(ctx context.Context, e *rollup.Engine, f rollup.Filter, limit int) (interface{}, error) {
		return e.TopOrganizations(ctx, f, limit)
	},
}

func rollupViewNames() []string {
	names := make([]string, 0, len(rollupViews))
	for name := range rollupViews {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var rollupCmd = &cobra.Command{
	Use:   "rollup VIEW",
	Short: "Print an aggregated view of stored reports as JSON",
	Long: fmt.Sprintf(`Print one rollup view over the stored reports.

Views: %s

Examples:
  dmarc-rollup rollup summary --domain example.com --days 30
  dmarc-rollup rollup sources --limit 20 --disposition reject`, strings.Join(rollupViewNames(), ", ")),
	Args:      cobra.ExactArgs(1),
	ValidArgs: rollupViewNames(),
	RunE:      runRollup,
}

func init() {
	rootCmd.AddCommand(rollupCmd)
	rollupFilter.register(rollupCmd.Flags())
	rollupCmd.Flags().IntVar(&rollupLimit, "limit", 10, "Maximum entries for the sources and orgs views")
}

func runRollup(cmd *cobra.Command, args []string) error {

	view, ok := rollupViews[strings.ToLower(args[0])]
	if !ok {
		return fmt.Errorf("unknown view %q, expected one of: %s", args[0], strings.Join(rollupViewNames(), ", "))
	}

	f, err := rollupFilter.filter()
	if err != nil {
		return err
	}

	svc, err := openServices(cmd.Context(), conf)
	if err != nil {
		return err
	}
	defer svc.Close()

	out, err := view(cmd.Context(), svc.engine(conf), f, rollupLimit)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}
