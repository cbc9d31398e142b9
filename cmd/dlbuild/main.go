// Command dlbuild is a minimal shell over the dlbuild engine. It exists so
// the module has a runnable binary; actual tool definitions, CLI argument
// parsing, and helper-subprocess wiring are out of scope for the core
// (spec §1) and belong to whatever embeds this package.
package main

import (
	"fmt"
	"os"

	"github.com/fredrikaverpil/dlbuild"
)

func main() {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dlbuild: %v\n", err)
		os.Exit(1)
	}

	err = dlbuild.Run(cwd, dlbuild.Config{MaxParallelRedoCount: 1}, func(ctx *dlbuild.Context) error {
		ctx.Inform(dlbuild.Info, false, "working tree ready at %s", ctx.RootPath())
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dlbuild: %v\n", err)
		os.Exit(1)
	}
}
