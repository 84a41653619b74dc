// mkfs formats a fresh volume image with a root directory, per
// spec.md §4.6 and scenario S1.
package main

import (
	"context"
	"fmt"
	"os"

	"tfs/device"
	"tfs/flog"
	"tfs/fs"
	"tfs/fsconfig"
)

func main() {
	cfg := fsconfig.Load()
	if len(os.Args) > 1 {
		cfg.ImagePath = os.Args[1]
	}
	flog.SetLevel(cfg.LogLevel)

	flog.Info("mkfs %s: size=%d ninodes=%d nlog=%d", cfg.ImagePath, cfg.Size, cfg.Ninodes, cfg.Nlog)

	dev, err := device.CreateFile(cfg.ImagePath, cfg.Size)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
	defer dev.Close()

	ctx := context.Background()
	opts := fs.FormatOptions{Ninodes: cfg.Ninodes, Nlog: cfg.Nlog}
	if err := fs.Format(ctx, dev, opts); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: format: %v\n", err)
		os.Exit(1)
	}

	fsys, err := fs.Mount(ctx, dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: verify mount: %v\n", err)
		os.Exit(1)
	}
	root := fsys.Root()
	if err := fsys.IC.Ilock(ctx, root); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: lock root: %v\n", err)
		os.Exit(1)
	}
	st := fsys.IC.Stati(root)
	fsys.IC.Iunlock(root)
	flog.Info("root inode %+v", st)
	if err := fsys.IC.Iput(ctx, root); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
	if err := fsys.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
}
