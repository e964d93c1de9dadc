package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolmux"
	"github.com/effective-security/toolmux/config"
	"github.com/effective-security/toolmux/llmfactory"
	"github.com/effective-security/toolmux/orchestrator"
	"github.com/effective-security/toolmux/pkg/llms"
	"github.com/effective-security/toolmux/store"
	"github.com/google/uuid"
)

// CLI is the command line interface configuration.
type CLI struct {
	Servers   string `kong:"short='s',required,help='Path to the servers configuration file (YAML/JSON)'"`
	Providers string `kong:"short='p',required,help='Path to the LLM providers configuration file (YAML/JSON)'"`
	Provider  string `kong:"help='Select a provider by name; defaults to the first configured'"`
	Model     string `kong:"short='m',help='Override the provider default model'"`
	Debug     bool   `kong:"short='D',help='Enable debug logging'"`

	Chat  ChatCmd  `kong:"cmd,help='Run a conversation against the registered tool servers'"`
	Tools ToolsCmd `kong:"cmd,help='List the merged tool catalogue'"`
}

// ChatCmd runs a conversation, either one-shot or interactive.
type ChatCmd struct {
	Prompt          string        `kong:"arg,optional,help='Prompt to send; omit for interactive mode'"`
	System          string        `kong:"help='System prompt'"`
	MaxTurns        int           `kong:"default='24',help='Maximum model round-trips per run'"`
	ToolCallTimeout time.Duration `kong:"default='2m',help='Timeout per tool invocation'"`
	Verbose         bool          `kong:"short='V',help='Print tool call progress'"`
}

// ToolsCmd prints the merged catalogue after registering every server.
type ToolsCmd struct{}

func (cmd *ChatCmd) Run(cli *CLI) error {
	ctx := context.Background()

	model, err := loadModel(cli)
	if err != nil {
		return err
	}

	opts := []orchestrator.Option{
		orchestrator.WithMaxTurns(cmd.MaxTurns),
		orchestrator.WithToolCallTimeout(cmd.ToolCallTimeout),
		orchestrator.WithStore(store.NewMemoryStore(), uuid.NewString()),
	}
	if cmd.System != "" {
		opts = append(opts, orchestrator.WithSystemPrompt(cmd.System))
	}
	if cmd.Verbose {
		opts = append(opts, orchestrator.WithCallback(&orchestrator.PrinterCallback{Out: os.Stderr}))
	}

	client, err := connect(ctx, cli, model, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if cmd.Prompt != "" {
		return runOnce(ctx, client, cmd.Prompt, os.Stdout)
	}
	return runInteractive(ctx, client, os.Stdin, os.Stdout)
}

func (cmd *ToolsCmd) Run(cli *CLI) error {
	ctx := context.Background()

	model, err := loadModel(cli)
	if err != nil {
		return err
	}

	client, err := connect(ctx, cli, model)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	for _, tool := range client.Tools() {
		fmt.Printf("%s\n\t%s\n", tool.Function.Name, tool.Function.Description)
	}
	return nil
}

func loadModel(cli *CLI) (llms.Model, error) {
	f, err := llmfactory.Load(cli.Providers)
	if err != nil {
		return nil, err
	}
	if cli.Provider != "" {
		return f.ModelByName(cli.Provider)
	}
	return f.DefaultModel()
}

// connect registers every configured server. A failing server fails the
// whole command; the partially built client is released.
func connect(ctx context.Context, cli *CLI, model llms.Model, opts ...orchestrator.Option) (*toolmux.Client, error) {
	if cli.Model != "" {
		opts = append(opts, orchestrator.WithModel(cli.Model))
	}

	cfg, err := config.Load(cli.Servers)
	if err != nil {
		return nil, err
	}

	client := toolmux.NewClient(model, opts...)
	for _, srv := range cfg.Servers {
		spec, err := toServerSpec(srv)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := client.RegisterServer(ctx, srv.ID, spec); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return client, nil
}

func toServerSpec(srv *config.ServerConfig) (toolmux.ServerSpec, error) {
	spec := toolmux.ServerSpec{
		Command: srv.Command,
		Args:    srv.Args,
		Env:     srv.Env,
		URL:     srv.URL,
	}

	headers, err := config.ParseHeaders(srv.Headers)
	if err != nil {
		return spec, errors.WithMessagef(err, "server %s", srv.ID)
	}
	spec.Headers = headers

	if srv.RequestTimeout != "" {
		timeout, err := time.ParseDuration(srv.RequestTimeout)
		if err != nil {
			return spec, errors.Wrapf(err, "server %s: invalid request_timeout", srv.ID)
		}
		spec.RequestTimeout = timeout
	}
	return spec, nil
}

func runOnce(ctx context.Context, client *toolmux.Client, prompt string, out io.Writer) error {
	res, err := client.Run(ctx, prompt)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, res.Content)
	return nil
}

func runInteractive(ctx context.Context, client *toolmux.Client, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		res, err := client.Run(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "error: %s\n", err)
			continue
		}
		fmt.Fprintln(out, res.Content)
	}
	return scanner.Err()
}
