package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cordonlabs/cordon/pkg/config"
	"github.com/cordonlabs/cordon/pkg/types"
)

var (
	execMode    string
	execTimeout int64
	execEnv     []string
)

var execCmd = &cobra.Command{
	Use:   "exec <payload-file>",
	Short: "Execute one payload and print the result",
	Long: `Execute a single payload from a file and print the shaped result
as JSON. Useful for administrative testing; the service path is 'serve'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		initLogging(cfg)

		payload, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}

		req := &types.ExecutionRequest{
			Payload:   string(payload),
			TimeoutMs: execTimeout,
			HeaderEnv: make(map[string]string),
		}
		if execMode != "" {
			mode, err := types.ParseExecutionMode(execMode)
			if err != nil {
				return err
			}
			req.Mode = mode
		}
		for _, kv := range execEnv {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("invalid --env value %q, expected KEY=VALUE", kv)
			}
			req.HeaderEnv[k] = v
		}

		a, err := buildApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.close()

		result := a.orch.Execute(cmd.Context(), req)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
		if !result.Success && result.Error != nil {
			return fmt.Errorf("execution failed: %s", result.Error.Message)
		}
		return nil
	},
}

func init() {
	execCmd.Flags().StringVar(&execMode, "mode", "", "execution mode override")
	execCmd.Flags().Int64Var(&execTimeout, "timeout", 0, "wall-clock limit in milliseconds")
	execCmd.Flags().StringArrayVar(&execEnv, "env", nil, "environment override (CORDON_ENV_* or CORDON_SECRET_*)")
}
