package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
)

// ErrUsage is returned when the arguments do not name a runnable command
var ErrUsage = errors.New("usage")

// Command represents a CLI command
type Command struct {
	Name        string
	Usage       string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

func newCommand(name, usage, description string) *Command {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return &Command{Name: name, Usage: usage, Description: description, Flags: fs}
}

// NewRootCommand creates the root command
func NewRootCommand(app *App) *Command {
	root := &Command{
		Name:        "sessionbridge-cli",
		Description: "Simulate a browser session against the identity flow",
		Subcommands: make(map[string]*Command),
	}

	for _, cmd := range []*Command{
		newOpenCommand(app),
		newWhoamiCommand(app),
		newLoginCommand(app),
		newFederatedCommand(app),
		newSignupCommand(app),
		newResetPasswordCommand(app),
		newLogoutCommand(app),
	} {
		root.Subcommands[cmd.Name] = cmd
	}
	return root
}

// Execute runs the subcommand named by args[0]
func (c *Command) Execute(out io.Writer, args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		c.usage(out)
		return nil
	}

	sub, ok := c.Subcommands[args[0]]
	if !ok {
		c.usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
	if err := sub.Flags.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			sub.help(out)
			return nil
		}
		sub.help(out)
		return fmt.Errorf("%s: %w", sub.Name, err)
	}
	err := sub.Run(sub.Flags.Args())
	if errors.Is(err, ErrUsage) {
		sub.help(out)
	}
	return err
}

// usage prints the command usage
func (c *Command) usage(out io.Writer) {
	fmt.Fprintf(out, "Usage: %s <command> [flags] [args]\n\n", c.Name)
	fmt.Fprintf(out, "Commands:\n")
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-16s %s\n", name, c.Subcommands[name].Description)
	}
}

func (c *Command) help(out io.Writer) {
	fmt.Fprintf(out, "Usage: %s\n\n%s\n", c.Usage, c.Description)
	c.Flags.SetOutput(out)
	c.Flags.PrintDefaults()
	c.Flags.SetOutput(io.Discard)
}
