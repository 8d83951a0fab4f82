// Command archive-replay inspects and maintains web-archive databases.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/archive-replay/replay"
	"github.com/wolfeidau/archive-replay/store/archivedb"
)

var version = "dev"

type globals struct {
	DB      string           `help:"Path to the archive database file." default:"./archive.db" type:"path"`
	Debug   bool             `help:"Enable debug logging."`
	JSON    bool             `help:"Emit machine-readable JSON output."`
	Version kong.VersionFlag `help:"Print version and exit."`
}

type cli struct {
	globals

	Stats       statsCmd       `cmd:"" help:"Summarise the archive's contents."`
	Pages       pagesCmd       `cmd:"" help:"List pages in chronological order."`
	DeletePage  deletePageCmd  `cmd:"" help:"Delete a page and its resources."`
	Verify      verifyCmd      `cmd:"" help:"Check digest reference counts against live records."`
	RebuildRefs rebuildRefsCmd `cmd:"" help:"Recompute digest reference counts from live records."`
	Compact     compactCmd     `cmd:"" help:"Copy the database to a new file, reclaiming free space."`
}

type cmdContext struct {
	globals
	logger *slog.Logger
}

func main() {
	var flags cli

	kctx := kong.Parse(&flags,
		kong.Name("archive-replay"),
		kong.Description("Web archive storage and replay maintenance tool."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	level := slog.LevelInfo
	if flags.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))

	err := kctx.Run(&cmdContext{globals: flags.globals, logger: logger})
	kctx.FatalIfErrorf(err)
}

// openDB opens the archive database at the configured path.
func openDB(c *cmdContext) (*archivedb.DB, error) {
	db := archivedb.New(archivedb.WithLogger(c.logger))
	if err := db.Open(c.DB); err != nil {
		return nil, fmt.Errorf("opening %s: %w", c.DB, err)
	}
	return db, nil
}

func emitJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type statsCmd struct{}

func (s *statsCmd) Run(c *cmdContext) error {
	db, err := openDB(c)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.ArchiveStats()
	if err != nil {
		return err
	}

	if c.JSON {
		return emitJSON(stats)
	}

	fmt.Printf("Pages:           %d\n", stats.PageCount)
	fmt.Printf("Resources:       %d\n", stats.ResourceCount)
	fmt.Printf("  inline:        %d\n", stats.InlineCount)
	fmt.Printf("  deduplicated:  %d\n", stats.DedupedCount)
	fmt.Printf("Payload blobs:   %d (%d bytes distinct)\n", stats.BlobCount, stats.DistinctBytes)
	fmt.Printf("Fuzzy entries:   %d\n", stats.FuzzyCount)
	fmt.Printf("DB file size:    %d bytes\n", stats.DBFileSize)
	if stats.OldestCaptureTS != 0 {
		fmt.Printf("Capture range:   %s .. %s\n",
			replay.FormatTimestamp(stats.OldestCaptureTS),
			replay.FormatTimestamp(stats.NewestCaptureTS))
	}
	for mime, n := range stats.ByMime {
		fmt.Printf("  %-40s %d\n", mime, n)
	}
	for class, n := range stats.ByStatus {
		fmt.Printf("  status %-33s %d\n", class, n)
	}
	return nil
}

type pagesCmd struct{}

func (p *pagesCmd) Run(c *cmdContext) error {
	db, err := openDB(c)
	if err != nil {
		return err
	}
	defer db.Close()

	pages, err := db.ListPagesByDate()
	if err != nil {
		return err
	}

	if c.JSON {
		return emitJSON(pages)
	}

	for _, page := range pages {
		fmt.Printf("%s  %s  %s  %s\n", page.ID, page.Date, page.URL, page.Title)
	}
	return nil
}

type deletePageCmd struct {
	ID string `arg:"" help:"Page id to delete."`
}

func (d *deletePageCmd) Run(c *cmdContext) error {
	db, err := openDB(c)
	if err != nil {
		return err
	}
	defer db.Close()

	engine := replay.NewEngine(db, replay.WithLogger(c.logger))
	reclaimed, err := engine.DeletePage(context.Background(), d.ID)
	if err != nil {
		return err
	}

	c.logger.Info("page deleted", "id", d.ID, "bytes_reclaimed", reclaimed)
	return nil
}

type verifyCmd struct{}

func (v *verifyCmd) Run(c *cmdContext) error {
	db, err := openDB(c)
	if err != nil {
		return err
	}
	defer db.Close()

	discrepancies, err := db.VerifyDigestRefs()
	if err != nil {
		return err
	}

	if len(discrepancies) == 0 {
		c.logger.Info("reference counts consistent")
		return nil
	}

	if c.JSON {
		if err := emitJSON(discrepancies); err != nil {
			return err
		}
	} else {
		for _, disc := range discrepancies {
			fmt.Printf("%s  stored=%d computed=%d\n", disc.Digest, disc.Stored, disc.Computed)
		}
	}
	return fmt.Errorf("%d reference count discrepancies found", len(discrepancies))
}

type rebuildRefsCmd struct{}

func (r *rebuildRefsCmd) Run(c *cmdContext) error {
	db, err := openDB(c)
	if err != nil {
		return err
	}
	defer db.Close()

	updated, err := db.RebuildDigestRefs()
	if err != nil {
		return err
	}

	c.logger.Info("reference counts rebuilt", "updated", updated)
	return nil
}

type compactCmd struct {
	Dest string `arg:"" help:"Destination path for the compacted database." type:"path"`
}

func (cc *compactCmd) Run(c *cmdContext) error {
	if cc.Dest == c.DB {
		return fmt.Errorf("destination must differ from the source database")
	}

	db, err := openDB(c)
	if err != nil {
		return err
	}
	defer db.Close()

	start := time.Now()
	if err := db.Compact(cc.Dest); err != nil {
		return err
	}

	c.logger.Info("database compacted", "dest", cc.Dest, "elapsed", time.Since(start))
	return nil
}
