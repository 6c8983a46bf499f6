// Command ipgresize changes the inodes-per-group parameter of an existing,
// unmounted ext4 filesystem image, growing or shrinking the total inode
// count in place. Grounded on cmd/main.go's urfave/cli App/Command shape,
// generalized from disko's single no-op "format" command to the flag
// surface spec.md §6 describes.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dargueta/ipgresize/core"
	"github.com/dargueta/ipgresize/ext4fs"
)

func main() {
	app := &cli.App{
		Name:      "ipgresize",
		Usage:     "change the inodes-per-group parameter of an ext4 image",
		ArgsUsage: "<device>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "force operation against an unclean or stable-inode-numbers filesystem"},
			&cli.Int64Flag{Name: "count", Aliases: []string{"c"}, Usage: "target absolute inode count"},
			&cli.Int64Flag{Name: "ratio", Aliases: []string{"r"}, Usage: "target bytes-per-inode ratio"},
			&cli.IntFlag{Name: "debug", Aliases: []string{"d"}, Usage: "debug verbosity level (accepted but ignored)"},
			&cli.BoolFlag{Name: "flush-cache", Aliases: []string{"F"}, Usage: "flush device caches before opening"},
			&cli.BoolFlag{Name: "progress", Aliases: []string{"p"}, Usage: "emit pass progress to stderr"},
			&cli.StringFlag{Name: "undo", Aliases: []string{"z"}, Usage: "undo log FILE (the path is resolved, but no undo log is written)"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Printf("ipgresize: %s", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("exactly one device argument is required", 1)
	}
	device := c.Args().Get(0)

	haveCount := c.IsSet("count")
	haveRatio := c.IsSet("ratio")
	if haveCount == haveRatio {
		return cli.Exit("exactly one of -c (count) or -r (ratio) is required", 1)
	}

	undoPath, err := resolveUndoPath(c.String("undo"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("undo log: %s", err), 1)
	}
	if undoPath != "" {
		log.Printf("ipgresize: undo log path resolved to %s; no undo log is written", undoPath)
	}

	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return cli.Exit(fmt.Sprintf("open %s: %s", device, err), 1)
	}
	defer f.Close()

	if c.Bool("flush-cache") {
		if err := f.Sync(); err != nil {
			return cli.Exit(fmt.Sprintf("flush %s: %s", device, err), 1)
		}
	}

	info, err := f.Stat()
	if err != nil {
		return cli.Exit(fmt.Sprintf("stat %s: %s", device, err), 1)
	}

	probe := ext4fs.NewBlockChannel(f, 1024, uint64(info.Size())/1024)
	oldView, err := ext4fs.NewView(probe)
	if err != nil {
		return cli.Exit(fmt.Sprintf("read filesystem: %s", err), 1)
	}

	channel := ext4fs.NewBlockChannel(f, oldView.Super.BlockSize(), uint64(info.Size())/uint64(oldView.Super.BlockSize()))
	oldView, err = ext4fs.NewView(channel)
	if err != nil {
		return cli.Exit(fmt.Sprintf("read filesystem: %s", err), 1)
	}

	if oldView.Super.IsErrorState() && !c.Bool("force") {
		return cli.Exit("filesystem has the error-state bit set; run a checker first or pass -f", 1)
	}

	var target, ratio *uint64
	if haveCount {
		v := uint64(c.Int64("count"))
		target = &v
	} else {
		v := uint64(c.Int64("ratio"))
		ratio = &v
	}
	newIPG, err := core.PlanInodesPerGroup(oldView.Super, target, ratio)
	if err != nil {
		return cli.Exit(fmt.Sprintf("compute new layout: %s", err), 1)
	}
	oldIPG := oldView.Super.InodesPerGroup

	var progress core.ProgressFunc
	if c.Bool("progress") {
		progress = func(pass core.Pass, cur, max uint64) error {
			fmt.Fprintf(os.Stderr, "%s: %d/%d\n", pass, cur, max)
			return nil
		}
	}

	tx := core.NewTransaction(oldView, progress)

	switch {
	case newIPG == oldIPG:
		log.Println("ipgresize: requested inodes-per-group matches current value, nothing to do")
		return nil
	case newIPG > oldIPG:
		grow := core.NewGrowTransaction(tx, newIPG, c.Bool("force"))
		if err := grow.Run(); err != nil {
			msg := fmt.Sprintf("grow: %s", err)
			if tx.New.Super.IsErrorState() {
				msg += "; run a filesystem checker (e2fsck -f) before using the filesystem"
			}
			return cli.Exit(msg, 1)
		}
	default:
		shrink := core.NewShrinkTransaction(tx, newIPG)
		if err := shrink.Run(); err != nil {
			msg := fmt.Sprintf("shrink: %s", err)
			if tx.New.Super.IsErrorState() {
				msg += "; run a filesystem checker (e2fsck -f) before using the filesystem"
			}
			return cli.Exit(msg, 1)
		}
	}

	if err := flushView(tx.New); err != nil {
		return cli.Exit(fmt.Sprintf("flush: %s", err), 1)
	}

	log.Printf("ipgresize: %s changed inodes-per-group from %d to %d", device, oldIPG, newIPG)
	return nil
}

func flushView(v *ext4fs.View) error {
	if err := v.FlushBitmaps(); err != nil {
		return err
	}
	var groupErrs core.GroupErrors
	for g := range v.GroupDescs {
		groupErrs.Add(uint32(g), v.FlushGroupDescriptor(uint32(g)))
	}
	if err := groupErrs.ErrorOrNil(); err != nil {
		return err
	}
	if err := v.FlushSuperblock(); err != nil {
		return err
	}
	return v.Channel.Flush()
}
