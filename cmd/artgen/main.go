package main

import (
	"errors"
	"fmt"
	"os"
)

const usage = `artgen runs asset generation pipelines.

Usage:
  artgen run [-auto-approve] [-mcp] [-dry-run] [-json] <pipeline.yaml>
  artgen plan [-format ascii|mermaid] <pipeline.yaml>
  artgen history [-pipeline name] [-status s] [-limit n] [-run id] [-type event [-step id]]
  artgen version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runRun(os.Args[2:])
	case "plan":
		err = runPlan(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "version", "-version", "--version":
		printVersion()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
