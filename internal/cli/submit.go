package cli

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	yaml "go.yaml.in/yaml/v3"

	"acqd/internal/transport/httpapi"
)

func newSubmitCmd(o *options) *cobra.Command {
	var (
		argPairs    []string
		argsFile    string
		nice        float64
		timeout     time.Duration
		maxDuration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit <function_name>",
		Short: "Queue an instrument action",
		Long: "Queue a dotted instrument function (e.g. stage.move_to) with optional arguments.\n" +
			"--arg values are parsed as JSON when possible, otherwise taken as strings.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := httpapi.QueueRequest{FunctionName: args[0]}

			kv, err := buildArgs(argsFile, argPairs)
			if err != nil {
				return err
			}
			if len(kv) > 0 {
				req.Args = kv
			}
			if cmd.Flags().Changed("nice") {
				req.Nice = &nice
			}
			if cmd.Flags().Changed("action-timeout") {
				s := timeout.Seconds()
				req.Timeout = &s
			}
			if cmd.Flags().Changed("max-duration") {
				s := maxDuration.Seconds()
				req.MaxDuration = &s
			}

			if err := o.client.Queue(cmd.Context(), req); err != nil {
				return err
			}
			if o.json {
				return printJSON(cmd.OutOrStdout(), req)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", req.FunctionName)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&argPairs, "arg", "a", nil, "argument as key=value (repeatable)")
	f.StringVarP(&argsFile, "args-file", "f", "", "arguments file (YAML/JSON object)")
	f.Float64VarP(&nice, "nice", "n", 10, "priority; lower runs first")
	f.DurationVar(&timeout, "action-timeout", 0, "drop the action if it has not started within this long")
	f.DurationVar(&maxDuration, "max-duration", 0, "watchdog bound on running time")
	return cmd
}

// buildArgs merges the args file with --arg pairs; pairs win.
func buildArgs(file string, pairs []string) (map[string]any, error) {
	out := map[string]any{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read args: %w", err)
		}
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("parse args: %w", err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("--arg %q: want key=value", p)
		}
		out[k] = parseArgValue(v)
	}
	return out, nil
}

// parseArgValue keeps JSON numbers, bools, arrays and objects typed and falls
// back to the raw string.
func parseArgValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	if f, ok := v.(float64); ok && (math.IsInf(f, 0) || math.IsNaN(f)) {
		return s
	}
	return v
}
