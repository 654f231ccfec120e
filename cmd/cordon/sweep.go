package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cordonlabs/cordon/pkg/config"
	"github.com/cordonlabs/cordon/pkg/ledger"
	"github.com/cordonlabs/cordon/pkg/runtime"
	"github.com/cordonlabs/cordon/pkg/sandbox"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reclaim orphaned sandbox containers and working directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		initLogging(cfg)

		rt, err := runtime.NewContainerdRuntime(cfg.ContainerdSocket)
		if err != nil {
			return err
		}
		defer rt.Close()

		led, err := ledger.New(cfg.DataDir)
		if err != nil {
			return err
		}
		defer led.Close()

		runner := sandbox.NewContainerRunner(rt, sandbox.Config{
			Image:         cfg.SandboxImage,
			WorkDirRoot:   cfg.WorkDirRoot,
			MaxConcurrent: 1,
			QueueWait:     time.Second,
		}, led)

		removed, err := runner.ReclaimOrphans(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("reclaimed %d orphaned resources\n", removed)
		return nil
	},
}
