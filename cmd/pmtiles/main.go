package main

import (
	"fmt"
	"log"
	"os"

	"github.com/alecthomas/kong"

	"github.com/protomaps/go-pmtiles/pmtiles"
)

// runContext carries shared dependencies into each subcommand's Run method.
type runContext struct {
	Logger *log.Logger
}

var cli struct {
	Convert ConvertCmd `cmd:"" help:"Convert an MBTiles archive to PMTiles v3."`
	Cluster ClusterCmd `cmd:"" help:"Rewrite an archive with tiles laid out in directory order."`
	Show    ShowCmd    `cmd:"" help:"Print header fields, metadata, or a single tile."`
	Verify  VerifyCmd  `cmd:"" help:"Check an archive's directory statistics and tile ordering."`
}

type ConvertCmd struct {
	Input  string `arg:"" help:"Path to the source .mbtiles file."`
	Output string `arg:"" help:"Path to write the resulting .pmtiles archive."`
}

func (c *ConvertCmd) Run(rc *runContext) error {
	return pmtiles.Convert(rc.Logger, c.Input, c.Output)
}

type ClusterCmd struct {
	Input  string `arg:"" help:"Path to an unclustered .pmtiles archive."`
	Output string `arg:"" help:"Path to write the clustered archive."`
}

func (c *ClusterCmd) Run(rc *runContext) error {
	return pmtiles.Cluster(rc.Logger, c.Input, c.Output)
}

type ShowCmd struct {
	Path     string `arg:"" help:"Local path, HTTP URL, or bucket URL for the archive."`
	Header   bool   `help:"Print the parsed header as JSON." xor:"mode"`
	Metadata bool   `help:"Print the metadata blob." xor:"mode"`
	Tile     string `help:"Print one tile's bytes, given as z/x/y." xor:"mode"`
}

func (c *ShowCmd) Run(rc *runContext) error {
	var z uint8
	var x, y uint32
	showTile := c.Tile != ""
	if showTile {
		var err error
		z, x, y, err = parseZXY(c.Tile)
		if err != nil {
			return err
		}
	}
	showHeader := c.Header || (!c.Metadata && !showTile)
	return pmtiles.Show(rc.Logger, os.Stdout, "", c.Path, showHeader, c.Metadata, showTile, z, x, y)
}

func parseZXY(s string) (z uint8, x, y uint32, err error) {
	var zi, xi, yi uint64
	n, scanErr := fmt.Sscanf(s, "%d/%d/%d", &zi, &xi, &yi)
	if scanErr != nil || n != 3 {
		return 0, 0, 0, fmt.Errorf("expected tile coordinate as z/x/y, got %q", s)
	}
	return uint8(zi), uint32(xi), uint32(yi), nil
}

type VerifyCmd struct {
	Path string `arg:"" help:"Local path to the archive to check."`
}

func (c *VerifyCmd) Run(rc *runContext) error {
	return pmtiles.Verify(rc.Logger, c.Path)
}

func main() {
	ktx := kong.Parse(&cli,
		kong.Name("pmtiles"),
		kong.Description("Inspect, build, and verify PMTiles v3 archives."),
		kong.UsageOnError(),
	)
	logger := log.New(os.Stderr, "", log.LstdFlags)
	err := ktx.Run(&runContext{Logger: logger})
	ktx.FatalIfErrorf(err)
}
