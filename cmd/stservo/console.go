package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

func (a *app) consoleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive prompt running the other commands on one open bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.controller(); err != nil {
				return err
			}

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "stservo> ",
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
				AutoComplete:    a.completer(),
			})
			if err != nil {
				return fmt.Errorf("failed to create readline: %w", err)
			}
			defer rl.Close()

			return a.runConsole(cmd.Context(), rl)
		},
	}
}

func (a *app) runConsole(ctx context.Context, rl *readline.Instance) error {
	out := rl.Stdout()
	fmt.Fprintln(out, "Type 'help' for commands, 'exit' to quit.")

	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := rl.Readline()
		if err != nil {
			// EOF or interrupt
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return nil
		}

		input := strings.TrimSpace(line)
		switch input {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		if err := a.runLine(ctx, strings.Fields(input), out); err != nil {
			fmt.Fprintln(out, "Error:", err)
		}
	}
}

// runLine executes one console line as a subcommand on the already open bus.
func (a *app) runLine(ctx context.Context, args []string, out io.Writer) error {
	if args[0] == "console" {
		return errors.New("already in the console")
	}

	// a fresh tree per line so flag values do not leak between commands
	root := a.rootCommand()
	root.PersistentPreRunE = nil
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	return root.ExecuteContext(ctx)
}

func (a *app) completer() *readline.PrefixCompleter {
	var items []readline.PrefixCompleterInterface
	for _, c := range a.rootCommand().Commands() {
		if c.Name() == "console" || c.Name() == "completion" {
			continue
		}
		var regs []readline.PrefixCompleterInterface
		for _, name := range a.regs.Names() {
			regs = append(regs, readline.PcItem(name))
		}
		items = append(items, readline.PcItem(c.Name(), regs...))
	}
	items = append(items, readline.PcItem("help"), readline.PcItem("exit"))
	return readline.NewPrefixCompleter(items...)
}
