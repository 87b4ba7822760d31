// Command d2dot renders the lock graph built from an event repository as
// a Graphviz dot file: one node per lock, one edge per thread/gatelock
// acquisition pair, written to stdout.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"github.com/nbtaylor/d2/internal/obs"
	"github.com/nbtaylor/d2/internal/pipeline"
	"github.com/nbtaylor/d2/loader"
)

func main() {
	debug := flag.Bool("debug", false, "enable console-format debug logging")
	flag.Usage = func() {
		w := flag.CommandLine.Output()
		fmt.Fprintf(w, "Usage: %s [flags] <repository-dir>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	root := flag.Arg(0)
	log := obs.NewLogger(*debug)

	l := loader.New(root, log)
	graphs, err := pipeline.BuildGraphs(l, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: some events could not be loaded: %v\n", err)
	}

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	fmt.Fprintln(w, "digraph lockgraph {")
	for _, v := range graphs.Lock.Vertices() {
		fmt.Fprintf(w, "  %q;\n", v.String())
	}
	for _, v := range graphs.Lock.Vertices() {
		for _, e := range graphs.Lock.OutEdges(v) {
			label := fmt.Sprintf("thread %s", e.Thread)
			for _, g := range e.GatelockIDs() {
				label += fmt.Sprintf(", gate %s", g)
			}
			fmt.Fprintf(w, "  %q -> %q [label=%q];\n", e.From.String(), e.To.String(), label)
		}
	}
	fmt.Fprintln(w, "}")
}
