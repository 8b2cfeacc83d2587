package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "convert":
		err = cmdConvert(os.Args[2:])
	case "dump":
		err = cmdDump(os.Args[2:])
	case "modules":
		err = cmdModules(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `retrace — offline raw-to-trace reconstruction

Usage:
  retrace convert --module <elf>... --out <dir> <raw>...   Reconstruct traces from raw streams
  retrace dump    <trace>...                                Print trace entries as text
  retrace modules --module <elf>...                         Print the module table

Flags:
  --module <elf>        Recorded module image, repeatable; order fixes module indexes
  --out <dir>           Output directory
  --format <fmt>        Output format: zip, zst, lz4, flat (default zip)
  --chunk-instrs <n>    Instructions per archive chunk, 0 disables splitting
  --workers <n>         Threads converted concurrently (default GOMAXPROCS)
  --verbose             Debug logging
`)
}
