// Command bizflow runs business workflows over a remote MCP tool server and
// exposes them to an agent as MCP tools.
package main

import (
	"fmt"
	"os"
)

const usage = `usage: bizflow <command> [flags]

commands:
  serve       run the MCP stdio server
  run         run one template and print the execution record
  templates   list templates, or show one with -show
  version     print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		runServe(args)
	case "run":
		runRun(args)
	case "templates":
		runTemplates(args)
	case "version", "-v", "--version":
		printVersion()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
