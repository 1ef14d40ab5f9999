package command

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/highdesert/meshlink/internal/ollama"
	"github.com/highdesert/meshlink/internal/persona"
	"github.com/highdesert/meshlink/internal/store"
	"github.com/highdesert/meshlink/internal/types"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize device trees, personas, and backend reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()
			st := store.New(log)

			cmd.Printf("Data root: %s\n", cfg.Data.Root)
			cmd.Printf("Nodes base: %s\n", cfg.Data.NodesBase)

			trees, err := store.DeviceTrees(cfg.Data.NodesBase)
			if err != nil {
				return err
			}
			if len(trees) == 0 {
				cmd.Println("No device trees yet.")
			}
			for _, tree := range trees {
				if err := printTree(cmd, st, tree); err != nil {
					return err
				}
			}

			reg := persona.NewRegistry(cfg.Data.Personas, log, cfg.AI.DefaultPersona)
			now := time.Now()
			for _, p := range reg.All() {
				cmd.Printf("Persona %s\n", p.StatusSummary(now))
			}
			if len(reg.All()) == 0 {
				cmd.Printf("No personas in %s.\n", cfg.Data.Personas)
			}

			models := map[string]bool{}
			if cfg.Ollama.ModelInstruct != "" {
				models[cfg.Ollama.ModelInstruct] = true
			}
			if cfg.Ollama.ModelThink != "" {
				models[cfg.Ollama.ModelThink] = true
			}
			for _, p := range reg.All() {
				if p.Model != "" {
					models[p.Model] = true
				}
			}
			var required []string
			for m := range models {
				required = append(required, m)
			}
			sort.Strings(required)

			llm := ollama.New(cfg.Ollama.BaseURL, 3*time.Second, log)
			probeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			cmd.Println(llm.Probe(probeCtx, ollama.NewStatusCache(), required))
			return nil
		},
	}
	return cmd
}

func printTree(cmd *cobra.Command, st *store.Store, tree store.DeviceTree) error {
	files, err := tree.ThreadFiles()
	if err != nil {
		return err
	}
	counts := map[types.State]int{}
	failed := 0
	for _, path := range files {
		rows, diags, err := st.ReadRows(path, store.ThreadSchema)
		if err != nil {
			return err
		}
		if len(diags) > 0 {
			cmd.Printf("  warning: %d malformed rows in %s\n", len(diags), path)
		}
		for _, row := range rows {
			msg := store.MessageFromRow(row)
			counts[msg.State]++
			if msg.SendStatus == types.SendStatusFailed {
				failed++
			}
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(),
		"Device %s: %d threads, %d inbound / %d queued / %d outbound rows, %d failed sends\n",
		tree.UID, len(files),
		counts[types.StateInbound], counts[types.StateQueued], counts[types.StateOutbound], failed)
	return nil
}
