package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/langgraphsystem/rssnews-sub002/common"
	"github.com/langgraphsystem/rssnews-sub002/pipeline"
)

var (
	processMaxBatches int
	processPriority   string
)

var processCmd = &cobra.Command{
	Use:   "process-articles",
	Short: "Plan and process pending articles in the foreground",
	Long: `Creates batches from the pending backlog and runs the pipeline
over them synchronously, without the task queue. Stops when the backlog
is drained or the batch limit is reached.`,
	RunE: runProcess,
}

func init() {
	processCmd.Flags().IntVar(&processMaxBatches, "max-batches", 0,
		"stop after this many batches (0 = until drained)")
	processCmd.Flags().StringVar(&processPriority, "priority", "normal",
		"batch priority")
}

func runProcess(cmd *cobra.Command, _ []string) error {
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
	defer rt.sink.Stop()
	go rt.sink.Run(ctx)

	log := common.ComponentLogger("process")
	correlationID := uuid.NewString()

	processed := 0
	for {
		if processMaxBatches > 0 && processed >= processMaxBatches {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batchID, err := rt.planner.CreateBatch(ctx, cfg.WorkerID, correlationID, processPriority)
		if err != nil {
			return err
		}
		if batchID == "" {
			log.Info("backlog drained")
			break
		}

		pc := pipeline.NewContext(batchID, cfg.WorkerID, correlationID,
			uuid.NewString(), cfg.Pipeline.ProcessingVersion)
		if err := rt.runner.Run(ctx, pc); err != nil {
			return err
		}
		processed++
	}

	fmt.Fprintf(cmd.OutOrStdout(), "processed %d batch(es)\n", processed)
	return nil
}
