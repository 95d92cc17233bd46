// Command citm is the splintermail-style CITM gateway: it runs the local
// IMAP/POP3-facing proxy that transparently decrypts/encrypts mail through
// internal/codec, or, given an API command name instead of "citm", forwards
// a single signed call to the account REST API (spec.md §6).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/infodancer/citm/internal/config"
)

// exitError pairs an error with the exact numeric exit code spec.md §6
// assigns it, so cobra's RunE can return ordinary errors while main()
// still produces the documented process exit status.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exitError); ok {
		return ee.code
	}
	return 125
}

func main() {
	flags := &config.Flags{}
	root := &cobra.Command{
		Use:           "citm [citm | api-command] [arg]",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return &exitError{3, fmt.Errorf("missing subcommand")}
			}

			cfg, err := config.Load(flags)
			if err != nil {
				return &exitError{2, err}
			}

			switch args[0] {
			case "citm":
				return runServe(cmd.Context(), cfg)
			default:
				var arg string
				if len(args) > 1 {
					arg = args[1]
				}
				return runAPICommand(cmd.Context(), cfg, args[0], arg)
			}
		},
	}

	config.RegisterFlags(root.PersistentFlags(), flags)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
