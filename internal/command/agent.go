package command

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/highdesert/meshlink/internal/agent"
	"github.com/highdesert/meshlink/internal/ollama"
	"github.com/highdesert/meshlink/internal/store"
)

// NewAgentCmd creates the agent command.
func NewAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the inference-dispatch agent process",
		Long: `Start the agent that scans thread files for unprocessed inbound rows,
matches persona triggers and control commands, and enqueues inference
replies for the bridge to send.

All inference calls serialize through a single worker. Scanning keeps
running while a call is in flight.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Info("shutdown signal received")
				cancel()
			}()

			llm := ollama.New(cfg.Ollama.BaseURL, 10*time.Second, log)
			a := agent.New(cfg, store.New(log), llm, log)

			once, _ := cmd.Flags().GetBool("once")
			if once {
				return a.RunOnce(ctx)
			}
			return a.Run(ctx)
		},
	}
	cmd.Flags().Bool("once", false, "run a single scan-and-dispatch pass and exit")
	return cmd
}
