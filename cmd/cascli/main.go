// SPDX-License-Identifier: Apache-2.0

// Command cascli is a thin operator tool over the columnar CAS engine: put,
// get, flush, compact and stats subcommands that exercise pkg/cascore end to
// end. Subcommands dispatch on os.Args with a flag.FlagSet each; the tool is
// meant for scripts and smoke tests, not interactive use.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/zeta-vcs/cascore/modules/casobj/hash"
	"github.com/zeta-vcs/cascore/pkg/casconfig"
	"github.com/zeta-vcs/cascore/pkg/cascore"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	ctx := context.Background()
	sub, args := os.Args[1], os.Args[2:]

	var configPath string
	fs := flag.NewFlagSet(sub, flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "path to a casconfig TOML file")

	switch sub {
	case "put":
		runPut(ctx, fs, args, &configPath)
	case "get":
		runGet(ctx, fs, args, &configPath)
	case "flush":
		runFlush(ctx, fs, args, &configPath)
	case "compact":
		runCompact(ctx, fs, args, &configPath)
	case "stats":
		runStats(ctx, fs, args, &configPath)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: cascli <put|get|flush|compact|stats> [flags]")
}

func openStore(ctx context.Context, configPath string) *cascore.Store {
	cfg, err := casconfig.Load(configPath)
	if err != nil {
		logrus.Fatalf("cascli: load config: %v", err)
	}
	st, err := cascore.Open(ctx, cfg)
	if err != nil {
		logrus.Fatalf("cascli: open store: %v", err)
	}
	return st
}

func runPut(ctx context.Context, fs *flag.FlagSet, args []string, configPath *string) {
	var objType, path string
	fs.StringVar(&objType, "type", "blob", "object type: blob|tree|commit|tag")
	fs.StringVar(&path, "path", "", "repository path hint stored alongside the object")
	_ = fs.Parse(args)

	data, err := readPayload(fs.Args())
	if err != nil {
		logrus.Fatalf("cascli: read payload: %v", err)
	}

	st := openStore(ctx, *configPath)
	defer st.Close()

	sha, err := st.PutObject(ctx, hash.ObjectType(objType), data, path)
	if err != nil {
		logrus.Fatalf("cascli: put: %v", err)
	}
	fmt.Println(sha)
}

func runGet(ctx context.Context, fs *flag.FlagSet, args []string, configPath *string) {
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		logrus.Fatalf("cascli: get requires exactly one SHA argument")
	}
	sha := fs.Arg(0)

	st := openStore(ctx, *configPath)
	defer st.Close()

	obj, err := st.GetObject(ctx, sha)
	if err != nil {
		logrus.Fatalf("cascli: get: %v", err)
	}
	if obj == nil {
		fmt.Fprintln(os.Stderr, "not found")
		os.Exit(1)
	}
	os.Stdout.Write(obj.Content)
}

func runFlush(ctx context.Context, fs *flag.FlagSet, args []string, configPath *string) {
	_ = fs.Parse(args)
	st := openStore(ctx, *configPath)
	defer st.Close()

	key, err := st.Flush(ctx)
	if err != nil {
		logrus.Fatalf("cascli: flush: %v", err)
	}
	if key == "" {
		fmt.Println("nothing to flush")
		return
	}
	fmt.Println(key)
}

func runCompact(ctx context.Context, fs *flag.FlagSet, args []string, configPath *string) {
	_ = fs.Parse(args)
	st := openStore(ctx, *configPath)
	defer st.Close()

	key, err := st.Compact(ctx)
	if err != nil {
		logrus.Fatalf("cascli: compact: %v", err)
	}
	if key == "" {
		fmt.Println("nothing to compact")
		return
	}
	fmt.Println(key)
}

func runStats(ctx context.Context, fs *flag.FlagSet, args []string, configPath *string) {
	_ = fs.Parse(args)
	st := openStore(ctx, *configPath)
	defer st.Close()

	stats, err := st.GetStats(ctx)
	if err != nil {
		logrus.Fatalf("cascli: stats: %v", err)
	}
	fmt.Printf("buffered_objects=%d buffered_bytes=%d parquet_files=%d overflow_objects=%d\n",
		stats.BufferedObjects, stats.BufferedBytes, stats.ParquetFiles, stats.OverflowObjects)
	fmt.Printf("bloom: items=%d false_positive=%.6f segments=%d exact_cache_size=%d\n",
		stats.Bloom.Items, stats.Bloom.FalsePositive, stats.Bloom.Segments, stats.Bloom.ExactCacheSize)
	if stats.LargestFile != nil {
		fmt.Printf("largest_file: key=%s records=%d bytes=%d\n",
			stats.LargestFile.Key, stats.LargestFile.RecordCount, stats.LargestFile.SizeBytes)
	}
}

// readPayload reads the object payload from the first positional argument
// if it looks like inline hex-prefixed data ("hex:...."), otherwise from
// stdin, so the common "cascli put < file" shape works without a flag.
func readPayload(positional []string) ([]byte, error) {
	if len(positional) == 1 {
		const hexPrefix = "hex:"
		if s := positional[0]; len(s) > len(hexPrefix) && s[:len(hexPrefix)] == hexPrefix {
			return hex.DecodeString(s[len(hexPrefix):])
		}
	}
	return readAll(os.Stdin)
}

func readAll(f *os.File) ([]byte, error) {
	return io.ReadAll(f)
}
