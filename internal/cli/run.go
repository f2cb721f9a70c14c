package cli

import (
	"context"
	"io"
)

// Run dispatches a reach-stress invocation. args excludes the program name.
func Run(ctx context.Context, out, errOut io.Writer, args []string) int {
	o := NewIO(out, errOut)

	commands := []*Command{
		NewChurnCommand(),
		NewVerifyCommand(),
	}

	if len(args) == 0 || args[0] == "help" || args[0] == "--help" || args[0] == "-h" {
		printUsage(o, commands)
		return 0
	}

	name := args[0]

	for _, cmd := range commands {
		if cmd.Name() == name {
			code := cmd.Run(ctx, o, args[1:])
			if fin := o.Finish(); code == 0 && fin != 0 {
				return fin
			}

			return code
		}
	}

	o.ErrPrintln("unknown command:", name)
	o.ErrPrintln()
	printUsage(o, commands)

	return 1
}

func printUsage(o *IO, commands []*Command) {
	o.Println("Usage: reach-stress <command> [flags]")
	o.Println()
	o.Println("Commands:")

	for _, cmd := range commands {
		o.Println(cmd.HelpLine())
	}

	o.Println()
	o.Println("Run 'reach-stress <command> --help' for command details.")
}
