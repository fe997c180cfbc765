// Command toolrun lists and invokes tools on a tool sandbox server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/server"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

type options struct {
	addr    string
	key     string
	timeout time.Duration
	json    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "toolrun",
		Short:         "Invoke tools on a tool sandbox server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", envOr("TOOL_SANDBOX_ADDR", "localhost:50054"), "server address")
	root.PersistentFlags().StringVar(&opts.key, "key", os.Getenv("TOOL_SANDBOX_KEY"), "API key (tsb_...)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request deadline")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print the raw response as JSON")

	root.AddCommand(newToolsCmd(opts), newInvokeCmd(opts))
	return root
}

func newToolsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools available to this key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), opts, func(ctx context.Context, c *server.Client) error {
				resp, err := c.ListTools(ctx, nil)
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				printTools(cmd.OutOrStdout(), resp)
				return nil
			})
		},
	}
}

func newInvokeCmd(opts *options) *cobra.Command {
	var (
		params        []string
		correlationID string
	)
	cmd := &cobra.Command{
		Use:   "invoke <tool> [-p name=value ...]",
		Short: "Invoke a tool and print its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}
			req := map[string]any{"tool_id": args[0], "params": parsed}
			if correlationID != "" {
				req["correlation_id"] = correlationID
			}
			in, err := structpb.NewStruct(req)
			if err != nil {
				return fmt.Errorf("encode request: %w", err)
			}

			return withClient(cmd.Context(), opts, func(ctx context.Context, c *server.Client) error {
				resp, err := c.Invoke(ctx, in)
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				return printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), resp)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "parameter as name=value; values starting with [ or { are parsed as JSON")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id to use instead of a generated one")
	return cmd
}

func withClient(ctx context.Context, opts *options, fn func(context.Context, *server.Client) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if opts.key != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+opts.key)
	}

	conn, err := grpc.NewClient(opts.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect %s: %w", opts.addr, err)
	}
	defer func() { _ = conn.Close() }()
	return fn(ctx, server.NewClient(conn))
}

func parseParams(raw []string) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("parameter %q is not name=value", kv)
		}
		if strings.HasPrefix(value, "[") || strings.HasPrefix(value, "{") {
			var v any
			if err := json.Unmarshal([]byte(value), &v); err != nil {
				return nil, fmt.Errorf("parameter %s: %w", name, err)
			}
			out[name] = v
			continue
		}
		out[name] = value
	}
	return out, nil
}

func printJSON(w io.Writer, s *structpb.Struct) error {
	raw, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(raw))
	return err
}

func printTools(w io.Writer, resp *structpb.Struct) {
	for _, v := range resp.GetFields()["tools"].GetListValue().GetValues() {
		t := v.GetStructValue().GetFields()
		state := ""
		if !t["enabled"].GetBoolValue() {
			state = " (disabled: " + t["disabled_reason"].GetStringValue() + ")"
		}
		fmt.Fprintf(w, "%s%s\n", t["id"].GetStringValue(), state)
		if d := t["description"].GetStringValue(); d != "" {
			fmt.Fprintf(w, "    %s\n", d)
		}
		var names []string
		for _, p := range t["parameters"].GetListValue().GetValues() {
			pf := p.GetStructValue().GetFields()
			name := pf["name"].GetStringValue() + ":" + pf["type"].GetStringValue()
			if pf["required"].GetBoolValue() {
				name += "*"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		if len(names) > 0 {
			fmt.Fprintf(w, "    params: %s\n", strings.Join(names, " "))
		}
	}
}

// printResult writes tool output to stdout and a status line to stderr. A
// non-success status becomes a command error.
func printResult(stdout, stderr io.Writer, resp *structpb.Struct) error {
	f := resp.GetFields()
	fmt.Fprint(stdout, f["stdout"].GetStringValue())
	fmt.Fprint(stderr, f["stderr"].GetStringValue())

	status := f["status"].GetStringValue()
	line := fmt.Sprintf("[%s] %s correlation_id=%s duration_ms=%.1f",
		status, f["tool_id"].GetStringValue(), f["correlation_id"].GetStringValue(), f["duration_ms"].GetNumberValue())
	if code, ok := f["exit_code"]; ok {
		line += fmt.Sprintf(" exit_code=%d", int(code.GetNumberValue()))
	}
	for _, stream := range []string{"stdout", "stderr"} {
		if f[stream+"_truncated"].GetBoolValue() {
			line += " " + stream + "=truncated"
		}
	}
	fmt.Fprintln(stderr, line)

	if status == "SUCCESS" {
		return nil
	}
	e := f["error"].GetStructValue().GetFields()
	msg := fmt.Sprintf("%s: %s", e["kind"].GetStringValue(), e["safe_message"].GetStringValue())
	for _, v := range e["violations"].GetListValue().GetValues() {
		vf := v.GetStructValue().GetFields()
		msg += fmt.Sprintf("\n  %s %s: %s", vf["param"].GetStringValue(), vf["kind"].GetStringValue(), vf["detail"].GetStringValue())
	}
	return errors.New(msg)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
