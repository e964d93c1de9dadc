// Command toolmux registers a set of tool servers and drives an LLM
// conversation against their merged tool catalogue.
package main

import (
	"os"

	"github.com/alecthomas/kong"
	"github.com/effective-security/xlog"
)

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("toolmux"),
		kong.Description("Multi-server tool orchestration client"),
		kong.UsageOnError(),
	)

	xlog.SetFormatter(xlog.NewStringFormatter(os.Stderr))
	if cli.Debug {
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	} else {
		xlog.SetGlobalLogLevel(xlog.WARNING)
	}

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
