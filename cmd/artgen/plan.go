package main

import (
	"errors"
	"flag"
	"os"

	"github.com/rendis/artgen/internal/specfile"
	"github.com/rendis/artgen/internal/steps"
)

func runPlan(args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	format := fs.String("format", "ascii", "output format: ascii or mermaid")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: artgen plan [-format ascii|mermaid] <pipeline.yaml>")
	}

	loaded, err := specfile.Load(fs.Arg(0))
	if err != nil {
		return err
	}
	registry := steps.NewRegistry()
	if err := steps.RegisterBuiltins(registry); err != nil {
		return err
	}
	return printPlan(os.Stdout, registry, loaded, *format)
}
