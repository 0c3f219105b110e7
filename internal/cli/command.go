package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command is one tv subcommand. Help output is derived from its fields.
type Command struct {
	Flags *flag.FlagSet

	// Usage starts with the command name, e.g. "import <path> [flags]".
	Usage string
	Short string
	Long  string // falls back to Short

	// ReadOnly commands never write the document, not even repairs made
	// while loading it.
	ReadOnly bool

	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name is the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine is the command's row in the top-level usage listing.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-22s %s", c.Usage, c.Short)
}

// PrintHelp prints "tv <cmd> --help" output to stdout.
func (c *Command) PrintHelp(o *IO) {
	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	o.Printf("Usage: tv %s\n\n%s\n", c.Usage, desc)

	if c.Flags == nil || !c.Flags.HasFlags() {
		return
	}

	var buf strings.Builder

	c.Flags.SetOutput(&buf)
	c.Flags.PrintDefaults()

	o.Printf("\nFlags:\n%s", buf.String())
}

// Run parses args and executes the command, printing any error to stderr.
// Returns the exit code.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	c.Flags.SetOutput(&strings.Builder{})

	err := c.Flags.Parse(args)

	switch {
	case errors.Is(err, flag.ErrHelp):
		c.PrintHelp(o)

		return 0
	case err != nil:
		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.PrintHelp(o)

		return 1
	}

	err = c.Exec(ctx, o, c.Flags.Args())
	if err == nil {
		return 0
	}

	o.ErrPrintln("error:", err)

	if errors.Is(err, errUsage) {
		o.ErrPrintln("usage: tv", c.Usage)
	}

	return 1
}
