// Command sprucedb is a small driver around the storage engine: one-shot
// put/get/delete/scan commands plus a demo walk-through of the write and
// read paths.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/pragmatic-zac/sprucedb/pkg/config"
	"github.com/pragmatic-zac/sprucedb/pkg/dberrors"
	"github.com/pragmatic-zac/sprucedb/pkg/metrics"
	"github.com/pragmatic-zac/sprucedb/pkg/store"
)

func main() {
	configPath := flag.String("config", "sprucedb.yaml", "path to YAML config")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	if err := run(cfg, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: sprucedb [-config file] <command> [args]

commands:
  put <key> <value>   store a value
  get <key>           print the value for a key
  delete <key>        remove a key
  scan [start] [end]  print keys in [start, end) order
  stats               print engine counters
  demo                run a short write/read/delete walk-through
`)
	flag.PrintDefaults()
}

func run(cfg config.Config, args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("missing command")
	}

	collector := metrics.NewRegistry()
	db, err := store.Open(cfg, store.WithMetrics(collector))
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("close failed", "error", err)
		}
	}()

	switch cmd, rest := args[0], args[1:]; cmd {
	case "put":
		if len(rest) != 2 {
			return fmt.Errorf("put needs <key> <value>")
		}
		return db.Put([]byte(rest[0]), []byte(rest[1]))

	case "get":
		if len(rest) != 1 {
			return fmt.Errorf("get needs <key>")
		}
		value, found, err := db.Get([]byte(rest[0]))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%q: %w", rest[0], dberrors.ErrNotFound)
		}
		fmt.Println(string(value))
		return nil

	case "delete":
		if len(rest) != 1 {
			return fmt.Errorf("delete needs <key>")
		}
		return db.Delete([]byte(rest[0]))

	case "scan":
		var start, end []byte
		if len(rest) > 0 {
			start = []byte(rest[0])
		}
		if len(rest) > 1 {
			end = []byte(rest[1])
		}
		it, err := db.Scan(start, end)
		if err != nil {
			return err
		}
		defer it.Close()
		for it.Next() {
			fmt.Printf("%s\t%s\n", it.Key(), it.Value())
		}
		return it.Err()

	case "stats":
		for name, v := range collector.Snapshot() {
			fmt.Printf("%s\t%d\n", name, v)
		}
		return nil

	case "demo":
		return demo(db)

	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// demo exercises the visible lifecycle of a value: written, overwritten,
// read back, deleted, gone.
func demo(db *store.Store) error {
	steps := []struct{ key, value string }{
		{"fruit", "apple"},
		{"fruit", "pear"},
		{"tree", "spruce"},
	}
	for _, s := range steps {
		if err := db.Put([]byte(s.key), []byte(s.value)); err != nil {
			return err
		}
	}

	for _, key := range []string{"fruit", "tree"} {
		value, found, err := db.Get([]byte(key))
		if err != nil {
			return err
		}
		fmt.Printf("get %s -> %s (found=%v)\n", key, value, found)
	}

	if err := db.Delete([]byte("fruit")); err != nil {
		return err
	}
	_, found, err := db.Get([]byte("fruit"))
	if err != nil {
		return err
	}
	fmt.Printf("get fruit after delete -> found=%v\n", found)

	if err := db.Flush(); err != nil {
		return err
	}
	fmt.Println("flushed; reopen the store to observe recovery")
	return nil
}
