package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/agentdesk/internal/dispatch"
	"github.com/zulandar/agentdesk/internal/llm"
	"golang.org/x/term"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run and test agents",
	}

	cmd.AddCommand(newAgentRunCmd())
	cmd.AddCommand(newAgentSandboxCmd())
	return cmd
}

func newAgentRunCmd() *cobra.Command {
	var (
		configPath     string
		conversationID string
		input          string
	)

	cmd := &cobra.Command{
		Use:   "run <agent-id>",
		Short: "Run an agent on a conversation now",
		Long:  "Runs the full dispatch for one conversation in the foreground: gating, model chain, tools and delivery.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			a, err := loadApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Engine.Run(ctx, args[0], conversationID, input)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status: %s\n", res.Status)
			if res.Reason != "" {
				fmt.Fprintf(out, "Reason: %s\n", res.Reason)
			}
			if res.RunID != "" {
				fmt.Fprintf(out, "Run:    %s\n", res.RunID)
			}
			if res.Status == dispatch.StatusFailed {
				return fmt.Errorf("agent run failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to agentdesk config file")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (required)")
	cmd.Flags().StringVar(&input, "input", "", "input text replacing the last contact message")
	cmd.MarkFlagRequired("conversation")
	return cmd
}

// sandboxer answers test conversations.
type sandboxer interface {
	Sandbox(ctx context.Context, agentID string, msgs []dispatch.SandboxMessage) (*dispatch.SandboxResult, error)
}

func newAgentSandboxCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sandbox <agent-id>",
		Short: "Chat with an agent without sending anything",
		Long: `Chats with an agent using its prompt and model chain. Nothing is sent
and no CRM tool runs. On a terminal every line is a turn; piped input is
sent as a single message.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			a, err := loadApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			interactive := term.IsTerminal(int(os.Stdin.Fd()))
			return runSandbox(ctx, a.Engine, args[0], cmd.InOrStdin(), cmd.OutOrStdout(), interactive)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to agentdesk config file")
	return cmd
}

// runSandbox keeps the whole exchange as history so later turns see earlier
// answers.
func runSandbox(ctx context.Context, s sandboxer, agentID string, in io.Reader, out io.Writer, interactive bool) error {
	if !interactive {
		data, err := io.ReadAll(in)
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			return fmt.Errorf("sandbox requires a message")
		}
		_, err = sandboxTurn(ctx, s, agentID, []dispatch.SandboxMessage{{Role: llm.RoleUser, Content: text}}, out)
		return err
	}

	var history []dispatch.SandboxMessage
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			fmt.Fprint(out, "> ")
			continue
		}
		history = append(history, dispatch.SandboxMessage{Role: llm.RoleUser, Content: text})
		reply, err := sandboxTurn(ctx, s, agentID, history, out)
		if err != nil {
			return err
		}
		history = append(history, dispatch.SandboxMessage{Role: llm.RoleAssistant, Content: reply})
		fmt.Fprint(out, "> ")
	}
	fmt.Fprintln(out)
	return scanner.Err()
}

func sandboxTurn(ctx context.Context, s sandboxer, agentID string, msgs []dispatch.SandboxMessage, out io.Writer) (string, error) {
	res, err := s.Sandbox(ctx, agentID, msgs)
	if err != nil {
		return "", err
	}
	if res.Status != dispatch.StatusOK {
		return "", fmt.Errorf("sandbox failed: every model errored")
	}
	fmt.Fprintf(out, "[%s] %s\n", res.Model, res.Output)
	return res.Output, nil
}
