package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/framerelay/pkg/framerelay"
	"github.com/tsarna/framerelay/pkg/framerelay/config"
	"go.uber.org/zap"
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Perform one relay call and print the result",
	Long: `Connect to a relay server over WebSocket, perform the handshake, send one
request and print the result as JSON.

The client can be described entirely with flags, or taken from a
relay_client block with --config and --client. Flags given explicitly
override the block.

Examples:
  framerelay call --url ws://localhost:8080/relay --method community/get --user u1 --community c1
  framerelay call --config relay.hcl --client app --method listMembers --user u1 --community c1
  framerelay call --url ws://localhost:8080/relay --method search --target community/search \
      --user u1 --community c1 --params '{"q":"garden"}' --header X-Trace=abc`,
	Args: cobra.NoArgs,
	RunE: runCall,
}

var (
	callURL         string
	callOrigin      string
	callMethod      string
	callTarget      string
	callUser        string
	callCommunity   string
	callParams      string
	callHeaders     map[string]string
	callConfigPaths []string
	callClientName  string
	callTimeout     time.Duration
	callRetries     int
	callRetryDelay  time.Duration
	callDialTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(callCmd)

	flags := callCmd.Flags()
	flags.StringVar(&callURL, "url", "", "WebSocket URL of the relay server")
	flags.StringVar(&callOrigin, "origin", "", "origin to present to the relay server")
	flags.StringVar(&callMethod, "method", "", "method to call")
	flags.StringVar(&callTarget, "target", "", "relay target for the method (defaults to the method name)")
	flags.StringVar(&callUser, "user", "", "user id")
	flags.StringVar(&callCommunity, "community", "", "community id")
	flags.StringVar(&callParams, "params", "", "request params as JSON")
	flags.StringToStringVar(&callHeaders, "header", nil, "extra backend header as name=value (repeatable)")
	flags.StringSliceVar(&callConfigPaths, "config", nil, "config files or directories defining relay clients")
	flags.StringVar(&callClientName, "client", "", "relay_client block to use with --config")
	flags.DurationVar(&callTimeout, "timeout", framerelay.DefaultTimeout, "per-attempt response timeout")
	flags.IntVar(&callRetries, "retries", framerelay.DefaultMaxRetries, "resends after a failed attempt")
	flags.DurationVar(&callRetryDelay, "retry-delay", framerelay.DefaultRetryDelay, "pause before each resend")
	flags.DurationVar(&callDialTimeout, "dial-timeout", config.DefaultDialTimeout, "WebSocket dial timeout")

	_ = callCmd.MarkFlagRequired("method")
	_ = callCmd.MarkFlagRequired("user")
	_ = callCmd.MarkFlagRequired("community")
	callCmd.MarkFlagsRequiredTogether("config", "client")
}

func runCall(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	def, err := callDefinition(cmd, logger)
	if err != nil {
		return err
	}

	var params any
	if callParams != "" {
		if err := json.Unmarshal([]byte(callParams), &params); err != nil {
			return fmt.Errorf("invalid --params: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	session, err := def.Connect(ctx, logger, nil)
	if err != nil {
		return err
	}
	defer session.Close()

	logger.Info("Connected to relay server",
		zap.String("url", def.URL),
		zap.String("server_id", session.ServerID),
	)

	req := def.NewRequest(callMethod, callUser, callCommunity, params)
	for name, value := range callHeaders {
		if req.Headers == nil {
			req.Headers = make(map[string]string)
		}
		req.Headers[name] = value
	}

	result, err := session.Client.Call(ctx, req)
	if err != nil {
		return fmt.Errorf("call failed: %w", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if !result.Success {
		return fmt.Errorf("backend reported failure: %s", result.Error)
	}
	return nil
}

// callDefinition resolves the client definition from a config file or from
// flags alone. Explicit flags win over the config file.
func callDefinition(cmd *cobra.Command, logger *zap.Logger) (*config.RelayClientDefinition, error) {
	flags := cmd.Flags()

	var def config.RelayClientDefinition
	if len(callConfigPaths) > 0 {
		cfg, diags := config.NewConfig().
			WithLogger(logger).
			WithSources(stringSliceToAnySlice(callConfigPaths)...).
			Build()
		if diags.HasErrors() {
			return nil, diags
		}
		defer cfg.Shutdown(context.Background())

		found, ok := cfg.Clients[callClientName]
		if !ok {
			return nil, fmt.Errorf("relay_client %q is not defined", callClientName)
		}
		def = *found
	} else {
		def = config.RelayClientDefinition{
			Name:        "cli",
			Timeout:     callTimeout,
			RetryDelay:  callRetryDelay,
			DialTimeout: callDialTimeout,
			MaxRetries:  &callRetries,
		}
	}

	endpoints := make(map[string]string, len(def.Endpoints)+1)
	for method, target := range def.Endpoints {
		endpoints[method] = target
	}
	if callTarget != "" {
		endpoints[callMethod] = callTarget
	} else if _, ok := endpoints[callMethod]; !ok {
		endpoints[callMethod] = callMethod
	}
	def.Endpoints = endpoints

	if flags.Changed("url") {
		def.URL = callURL
	}
	if flags.Changed("origin") {
		def.Origin = callOrigin
	}
	if flags.Changed("timeout") {
		def.Timeout = callTimeout
	}
	if flags.Changed("retries") {
		def.MaxRetries = &callRetries
	}
	if flags.Changed("retry-delay") {
		def.RetryDelay = callRetryDelay
	}
	if flags.Changed("dial-timeout") {
		def.DialTimeout = callDialTimeout
	}

	if def.URL == "" {
		return nil, fmt.Errorf("a relay server URL is required (--url or a relay_client block)")
	}

	return &def, nil
}
