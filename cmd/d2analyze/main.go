// Command d2analyze loads an event repository written by the framework
// package (or its C-ABI shim) and reports every deadlock-potential
// diagnostic it can derive from the lock graph and segmentation graph.
//
// Usage:
//
//	d2analyze [-watch] [-debug] <repository-dir>
//
// With -watch, d2analyze re-runs the analysis whenever the repository's
// process-wide file changes, so it can trail a live process.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/nbtaylor/d2/internal/obs"
	"github.com/nbtaylor/d2/internal/pipeline"
	"github.com/nbtaylor/d2/loader"
	"github.com/nbtaylor/d2/store"
)

func main() {
	watch := flag.Bool("watch", false, "re-analyze whenever the repository's process-wide file changes")
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

	if err := runOnce(root, log); err != nil {
		log.Error("analysis failed", zap.Error(err))
		os.Exit(1)
	}
	if !*watch {
		return
	}
	if err := runWatch(root, log); err != nil {
		log.Error("watch failed", zap.Error(err))
		os.Exit(1)
	}
}

func runOnce(root string, log *zap.Logger) error {
	l := loader.New(root, log)
	graphs, err := pipeline.BuildGraphs(l, log)
	if err != nil {
		log.Warn("some events could not be loaded", zap.Error(err))
	}
	diags := pipeline.Analyze(graphs, log)
	if len(diags) == 0 {
		fmt.Println("no deadlock potential detected")
		return nil
	}
	for i, d := range diags {
		fmt.Printf("--- diagnostic %d ---\n%s\n", i+1, d.String())
	}
	return nil
}

// runWatch re-runs runOnce whenever the repository's process-wide file is
// written to. fsnotify watches the directory rather than the file itself
// since the file is opened once at repository creation and never replaced.
func runWatch(root string, log *zap.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(root); err != nil {
		return err
	}

	target := root + string(os.PathSeparator) + store.ProcessWideFile
	log.Info("watching repository", zap.String("root", root))
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := runOnce(root, log); err != nil {
				log.Warn("re-analysis failed", zap.Error(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", zap.Error(err))
		}
	}
}
