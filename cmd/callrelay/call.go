package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-callrelay/pkg/api"
	"github.com/teslashibe/go-callrelay/pkg/calls"
)

const defaultServer = "http://localhost:8080"

func newCallCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Place and inspect calls on a running relay",
	}

	def := os.Getenv("CALLRELAY_SERVER")
	if def == "" {
		def = defaultServer
	}
	cmd.PersistentFlags().StringVarP(&server, "server", "s", def, "relay base URL (or CALLRELAY_SERVER)")

	client := func() *relayClient { return newRelayClient(server) }
	cmd.AddCommand(newCallPlaceCmd(client))
	cmd.AddCommand(newCallShowCmd(client))
	cmd.AddCommand(newCallListCmd(client))
	cmd.AddCommand(newCallHangupCmd(client))
	return cmd
}

func newCallPlaceCmd(client func() *relayClient) *cobra.Command {
	var (
		req     api.CreateCallRequest
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "place",
		Short: "Place an outbound call",
		Example: `  callrelay call place --to +19705677890 \
    --script "Confirm the appointment for Tuesday at 3pm." \
    --persona "Sam from Riverside Clinic"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var res calls.InitiateResult
			if err := client().do(ctx, http.MethodPost, "/api/calls", req, &res); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session:  %s\n", res.SessionID)
			fmt.Fprintf(out, "call sid: %s\n", res.CallSid)
			fmt.Fprintf(out, "status:   %s\n", res.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.TargetNumber, "to", "", "number to call in E.164 form (required)")
	cmd.Flags().StringVar(&req.CallerNumber, "from", "", "caller ID in E.164 form (defaults to the server's number)")
	cmd.Flags().StringVar(&req.Script, "script", "", "what the agent should accomplish")
	cmd.Flags().StringVar(&req.Persona, "persona", "", "who the agent is")
	cmd.Flags().StringVar(&req.Context, "context", "", "background the agent may use")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newCallShowCmd(client func() *relayClient) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id|call-sid>",
		Short: "Show a call's status and transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view calls.TranscriptView
			if err := client().do(cmd.Context(), http.MethodGet, "/api/calls/"+url.PathEscape(args[0]), nil, &view); err != nil {
				return err
			}
			printView(cmd.OutOrStdout(), view)
			return nil
		},
	}
}

func newCallListCmd(client func() *relayClient) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List calls held by the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Calls []calls.TranscriptView `json:"calls"`
			}
			if err := client().do(cmd.Context(), http.MethodGet, "/api/calls", nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Calls) == 0 {
				fmt.Fprintln(out, "no calls")
				return nil
			}
			for _, v := range resp.Calls {
				fmt.Fprintf(out, "%-36s  %-34s  %-11s  %d lines\n", v.SessionID, v.CallSid, v.Status, len(v.Transcript))
			}
			return nil
		},
	}
}

func newCallHangupCmd(client func() *relayClient) *cobra.Command {
	return &cobra.Command{
		Use:   "hangup <session-id|call-sid>",
		Short: "End a call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view calls.TranscriptView
			path := "/api/calls/" + url.PathEscape(args[0]) + "/hangup"
			if err := client().do(cmd.Context(), http.MethodPost, path, nil, &view); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", view.SessionID, view.Status)
			return nil
		},
	}
}

func printView(out io.Writer, v calls.TranscriptView) {
	fmt.Fprintf(out, "session:  %s\n", v.SessionID)
	fmt.Fprintf(out, "call sid: %s\n", v.CallSid)
	fmt.Fprintf(out, "status:   %s\n", v.Status)
	if v.Duration > 0 {
		fmt.Fprintf(out, "duration: %ds\n", v.Duration)
	}
	if v.Failure != "" {
		fmt.Fprintf(out, "failure:  %s\n", v.Failure)
	}
	if len(v.Transcript) == 0 {
		return
	}
	fmt.Fprintln(out)
	for _, e := range v.Transcript {
		fmt.Fprintf(out, "[%s] %-5s %s\n", e.Timestamp.Format("15:04:05"), e.Role, e.Text)
	}
}
