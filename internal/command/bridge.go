package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/highdesert/meshlink/internal/bridge"
	"github.com/highdesert/meshlink/internal/store"
	"github.com/highdesert/meshlink/internal/types"
)

// NewBridgeCmd creates the bridge command.
func NewBridgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Run the radio-facing bridge process",
		Long: `Start the bridge that records radio events into the device tree and
sends queued reply rows back over the mesh.

The bridge:
- Upserts node rows and appends deduplicated sightings
- Records inbound text messages into per-thread files
- Flushes queued rows through the radio with retry/backoff

Use Ctrl+C or SIGTERM to gracefully shut down; in-flight record
mutations always complete before exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()

			testMode, _ := cmd.Flags().GetBool("test")
			if !testMode {
				return fmt.Errorf("no radio driver attached; run with --test to exercise the stub radio")
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Info("shutdown signal received")
				cancel()
			}()

			radio := bridge.NewStubRadio(bridge.NodeInfo{ID: "TESTNODE", ShortName: "Test", LongName: "Test Node"})
			st := store.New(log)
			b, err := bridge.New(ctx, cfg, radio, st, log)
			if err != nil {
				return err
			}

			go feedSmokeEvents(radio)
			go func() {
				// Let the smoke events land, then stop.
				select {
				case <-time.After(3 * time.Second):
					cancel()
				case <-ctx.Done():
				}
			}()

			if err := b.Run(ctx); err != nil {
				return err
			}
			return printSmokeSummary(cmd, b, st)
		},
	}
	cmd.Flags().Bool("test", false, "run a smoke scenario against a stub radio, then exit")
	return cmd
}

// feedSmokeEvents injects a small scripted scenario.
func feedSmokeEvents(radio *bridge.StubRadio) {
	now := time.Now().UTC()
	radio.Feed(bridge.Event{
		Kind:       bridge.EventNodeSeen,
		NodeID:     "!feedc0de",
		ShortName:  "Peer",
		LongName:   "Peer Station",
		ReceivedAt: now,
	})
	radio.Feed(bridge.Event{
		Kind:       bridge.EventTelemetryObserved,
		NodeID:     "!feedc0de",
		Latitude:   "40.97",
		Longitude:  "-119.21",
		RSSI:       "-82",
		Telemetry:  map[string]any{"battery": 87},
		ReceivedAt: now,
	})
	radio.Feed(bridge.Event{
		Kind:         bridge.EventMessageReceived,
		NodeID:       "!feedc0de",
		MessageID:    "smoke-1",
		To:           "^all",
		Content:      "librarian hello from the smoke test",
		ChannelIndex: 1,
		ChannelName:  "general",
		ReceivedAt:   now,
	})
}

func printSmokeSummary(cmd *cobra.Command, b *bridge.Bridge, st *store.Store) error {
	tree := b.Tree()
	nodes, _, err := st.ReadRows(tree.NodesPath(), store.NodesSchema)
	if err != nil {
		return err
	}
	sightings, _, err := st.ReadRows(tree.SightingsPath(), store.SightingsSchema)
	if err != nil {
		return err
	}
	files, err := tree.ThreadFiles()
	if err != nil {
		return err
	}
	inbound := 0
	for _, path := range files {
		rows, _, err := st.ReadRows(path, store.ThreadSchema)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if types.State(row["state"]) == types.StateInbound {
				inbound++
			}
		}
	}
	cmd.Printf("Device tree: %s\n", tree.Root)
	cmd.Printf("Nodes: %d, sightings: %d, inbound rows: %d across %d thread files\n",
		len(nodes), len(sightings), inbound, len(files))
	return nil
}
