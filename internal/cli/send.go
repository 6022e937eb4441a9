package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/entityd/internal/fault"
	"github.com/roach88/entityd/internal/gateway"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Addr    string
	Timeout time.Duration
}

// SendResult is the JSON shape of a successful send.
type SendResult struct {
	EntityID string `json:"entity_id"`
	Seq      int64  `json:"seq"`
	Events   int    `json:"events"`
	Node     string `json:"node"`
	Reply    string `json:"reply"`
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <entity-id> [payload]",
		Short: "Send a command to an entity through a running node",
		Long: `Send a command payload to an entity through a node's HTTP gateway and
print the reply. When the node does not own the entity's shard the command
is forwarded once to the owner it names.

The payload is read from stdin when not given as an argument.`,
		Example: `  entityd send cart-42 '{"op":"add","item":"apple","qty":2}'
  echo '{"op":"get"}' | entityd send cart-42 --addr http://node-b:8080`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, args, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "http://localhost:8080", "node base URL")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "request timeout")

	return cmd
}

func runSend(cmd *cobra.Command, args []string, opts *SendOptions) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	id := args[0]

	var payload []byte
	if len(args) == 2 {
		payload = []byte(args[1])
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			_ = out.Error("E_INPUT", err.Error(), nil)
			return WrapExitError(ExitCommandError, "read payload", err)
		}
		payload = data
	}

	client := gateway.NewClient(opts.Addr)
	client.HTTP.Timeout = opts.Timeout

	res, err := client.Send(cmd.Context(), id, payload)
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			_ = out.Fault(err, fe)
			return WrapExitError(ExitFailure, "command failed", err)
		}
		_ = out.Error("E_TRANSPORT", err.Error(), nil)
		return WrapExitError(ExitCommandError, "send", err)
	}

	return out.Success(SendResult{
		EntityID: id,
		Seq:      res.Seq,
		Events:   res.Events,
		Node:     res.Node,
		Reply:    string(res.Payload),
	}, fmt.Sprintf("%s (seq %d, +%d events)", res.Payload, res.Seq, res.Events))
}
