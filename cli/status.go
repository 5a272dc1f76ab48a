package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	statusWatch    bool
	statusInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backlog, batch, and queue status",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "refresh continuously")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", 5*time.Second,
		"refresh interval with --watch")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := openServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	rt := buildRuntime(svc)
	out := cmd.OutOrStdout()

	if !statusWatch {
		return printStatus(ctx, rt, out)
	}

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		if err := printStatus(ctx, rt, out); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printStatus(ctx context.Context, rt *runtime, out io.Writer) error {
	articleCounts, err := rt.articles.StatusCounts(ctx)
	if err != nil {
		return err
	}
	batchCounts, err := rt.batches.StatusCounts(ctx)
	if err != nil {
		return err
	}
	depths, err := rt.tasks.Depths(ctx)
	if err != nil {
		return err
	}
	last, err := rt.batches.LastCreatedAt(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "--- %s ---\n", time.Now().Format(time.RFC3339))

	fmt.Fprintln(out, "articles:")
	for _, key := range sortedKeys(articleCounts) {
		fmt.Fprintf(out, "  %-12s %s\n", key, humanize.Comma(articleCounts[key]))
	}

	fmt.Fprintln(out, "batches:")
	for _, key := range sortedKeys(batchCounts) {
		fmt.Fprintf(out, "  %-12s %s\n", key, humanize.Comma(batchCounts[key]))
	}
	if last != nil {
		fmt.Fprintf(out, "  last created %s\n", humanize.Time(*last))
	}

	fmt.Fprintln(out, "queues:")
	for _, key := range sortedKeys(depths) {
		fmt.Fprintf(out, "  %-18s %s\n", key, humanize.Comma(depths[key]))
	}
	return nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
