// Command d2graphstats prints summary statistics about the lock graph
// and segmentation graph built from an event repository: vertex/edge
// counts and the maximum out-degree any lock accumulates. Useful for
// sizing a repository before running the full d2analyze cycle search.
package main

import (
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

	maxOut := 0
	for _, v := range graphs.Lock.Vertices() {
		if n := len(graphs.Lock.OutEdges(v)); n > maxOut {
			maxOut = n
		}
	}

	fmt.Printf("lock graph:    %d vertices, %d edges, max out-degree %d\n",
		len(graphs.Lock.Vertices()), graphs.Lock.EdgeCount(), maxOut)
	fmt.Printf("segment graph: %d vertices, %d edges, acyclic: %v\n",
		len(graphs.Segment.Vertices()), graphs.Segment.EdgeCount(), graphs.Segment.Acyclic())
}
