// Command toolhost runs the tool server host: it spawns the configured
// servers, maintains their connection pools and exposes their tools.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"goa.design/toolhost/config"
	"goa.design/toolhost/runtime/host"
	"goa.design/toolhost/runtime/telemetry"
)

var version = "dev"

func main() {
	var (
		configPath string
		debug      bool
	)

	root := &cobra.Command{
		Use:           "toolhost",
		Short:         "Host for JSON-RPC tool servers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "toolhost.json", "server configuration file (JSON or YAML)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logs")

	newCtx := func() context.Context {
		format := log.FormatJSON
		if log.IsTerminal() {
			format = log.FormatTerminal
		}
		ctx := log.Context(context.Background(), log.WithFormat(format))
		if debug {
			ctx = log.Context(ctx, log.WithDebug())
		}
		return ctx
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Start the configured servers and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := newCtx()
			h, servers, err := startHost(ctx, configPath)
			if err != nil {
				return err
			}
			log.Print(ctx, log.KV{K: "msg", V: "toolhost started"}, log.KV{K: "servers", V: len(servers)}, log.KV{K: "tools", V: len(h.AvailableTools())})

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			s := <-sig
			log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "signal", V: s.String()})

			shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			return h.Shutdown(shutdownCtx)
		},
	}

	var asCatalog bool
	tools := &cobra.Command{
		Use:   "tools",
		Short: "Connect to the configured servers and list their tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := newCtx()
			h, _, err := startHost(ctx, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = h.Shutdown(ctx) }()

			if asCatalog {
				fmt.Fprint(cmd.OutOrStdout(), h.PromptCatalog())
				return nil
			}
			for _, t := range h.AvailableTools() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", t.Key, t.Description)
			}
			return nil
		},
	}
	tools.Flags().BoolVar(&asCatalog, "catalog", false, "print the prompt catalog instead of a plain listing")

	var rawArgs string
	call := &cobra.Command{
		Use:   "call <serverId/toolName>",
		Short: "Execute a single tool and print its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := newCtx()
			h, _, err := startHost(ctx, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = h.Shutdown(ctx) }()

			toolID := args[0]
			tool, ok := h.GetToolDefinition(toolID)
			if !ok {
				return fmt.Errorf("unknown tool %s", toolID)
			}
			result, err := h.ExecuteTool(ctx, host.ToolCall{
				ServerID:  tool.ServerID,
				ToolID:    toolID,
				Arguments: json.RawMessage(rawArgs),
			})
			if err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("tool failed after %s: %s", result.ExecutionTime, result.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(result.Output))
			return nil
		},
	}
	call.Flags().StringVarP(&rawArgs, "args", "a", "{}", "tool arguments as a JSON object")

	root.AddCommand(run, tools, call)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "toolhost:", err)
		os.Exit(1)
	}
}

// startHost loads the configuration and brings every enabled server up.
// Individual server failures are logged, not fatal.
func startHost(ctx context.Context, configPath string) (*host.Host, []config.Server, error) {
	servers, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := telemetry.NewClueLogger()
	h := host.New(
		host.WithLogger(logger),
		host.WithMetrics(telemetry.NewClueMetrics()),
		host.WithTracer(telemetry.NewClueTracer()),
		host.WithServerErrorHandler(func(serverID string, err error) {
			log.Error(ctx, err, log.KV{K: "server", V: serverID})
		}),
	)
	if err := h.Initialize(ctx, servers); err != nil {
		return nil, nil, err
	}
	return h, servers, nil
}
