package pmtiles

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/dustin/go-humanize"
	"zombiezen.com/go/sqlite"
)

// Convert derives a clustered PMTiles v3 archive from an MBTiles (sqlite)
// source: the writer derivation interface named by the format, specialized
// to the one concrete source this module supports end to end.
func Convert(logger *log.Logger, mbtilesPath string, pmtilesPath string) error {
	start := time.Now()
	conn, err := sqlite.OpenConn(mbtilesPath, sqlite.OpenReadOnly)
	if err != nil {
		return wrapErr(IoError, "open mbtiles database", err)
	}
	defer conn.Close()

	mbtilesMetadata := make([]string, 0)
	{
		stmt, _, err := conn.PrepareTransient("SELECT name, value FROM metadata")
		if err != nil {
			return wrapErr(IoError, "prepare metadata statement", err)
		}
		defer stmt.Finalize()
		for {
			row, err := stmt.Step()
			if err != nil {
				return wrapErr(IoError, "step metadata statement", err)
			}
			if !row {
				break
			}
			mbtilesMetadata = append(mbtilesMetadata, stmt.ColumnText(0), stmt.ColumnText(1))
		}
	}

	header, jsonMetadata, err := mbtilesToHeaderJSON(mbtilesMetadata)
	if err != nil {
		return wrapErr(Malformed, "convert mbtiles metadata", err)
	}

	logger.Println("querying total tile count")
	var totalTiles int64
	{
		stmt, _, err := conn.PrepareTransient("SELECT count(*) FROM tiles")
		if err != nil {
			return wrapErr(IoError, "prepare count statement", err)
		}
		defer stmt.Finalize()
		row, err := stmt.Step()
		if err != nil || !row {
			return wrapErr(IoError, "step count statement", err)
		}
		totalTiles = stmt.ColumnInt64(0)
	}
	logger.Printf("%s source tiles", humanize.Comma(totalTiles))

	logger.Println("pass 1: assembling tile id set")
	tileset := roaring64.New()
	{
		stmt, _, err := conn.PrepareTransient("SELECT zoom_level, tile_column, tile_row FROM tiles")
		if err != nil {
			return wrapErr(IoError, "prepare scan statement", err)
		}
		defer stmt.Finalize()

		bar := getProgressWriter().NewCountProgress(totalTiles, "assembling tile id set")
		defer bar.Close()
		for {
			row, err := stmt.Step()
			if err != nil {
				return wrapErr(IoError, "step scan statement", err)
			}
			if !row {
				break
			}
			z := uint8(stmt.ColumnInt64(0))
			x := uint32(stmt.ColumnInt64(1))
			y := uint32(stmt.ColumnInt64(2))
			// MBTiles stores tiles in TMS (bottom-left origin); PMTiles uses
			// XYZ (top-left origin).
			flippedY := uint32(1<<z) - 1 - y
			id, err := CheckedZxyToID(z, x, flippedY)
			if err != nil {
				return err
			}
			tileset.Add(id)
			bar.Add(1)
		}
	}
	setZoomCenterDefaults(&header, tileIDsToEntries(tileset))

	sink, err := NewFileScratchSink("")
	if err != nil {
		return err
	}
	w := NewWriter(logger, sink, Gzip, header)

	logger.Println("pass 2: writing tiles")
	{
		bar := getProgressWriter().NewCountProgress(int64(tileset.GetCardinality()), "writing tiles")
		defer bar.Close()
		it := tileset.Iterator()
		stmt := conn.Prep("SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?")

		var rawTileTmp bytes.Buffer
		for it.HasNext() {
			id := it.Next()
			z, x, y := IDToZxy(id)
			flippedY := uint32(1<<z) - 1 - y

			stmt.BindInt64(1, int64(z))
			stmt.BindInt64(2, int64(x))
			stmt.BindInt64(3, int64(flippedY))

			hasRow, err := stmt.Step()
			if err != nil {
				return wrapErr(IoError, "step tile statement", err)
			}
			if !hasRow {
				return newErr(Malformed, "mbtiles row disappeared between passes")
			}

			reader := stmt.ColumnReader(0)
			rawTileTmp.Reset()
			if _, err := rawTileTmp.ReadFrom(reader); err != nil {
				return wrapErr(IoError, "read tile blob", err)
			}
			data := append([]byte(nil), rawTileTmp.Bytes()...)

			if len(data) > 0 {
				if header.TileCompression != NoCompression && isGzipped(data) {
					raw, decErr := Decompress(data, Gzip)
					if decErr == nil {
						data = raw
					}
				}
				if err := w.AddTile(z, x, y, data); err != nil {
					return err
				}
			}

			stmt.ClearBindings()
			stmt.Reset()
			bar.Add(1)
		}
	}

	if err := w.Finalize(pmtilesPath, jsonMetadata); err != nil {
		return err
	}
	if info, statErr := os.Stat(pmtilesPath); statErr == nil {
		logger.Printf("wrote %s in %s", humanize.Bytes(uint64(info.Size())), time.Since(start))
	} else {
		logger.Println("finished in", time.Since(start))
	}
	return nil
}

func tileIDsToEntries(tileset *roaring64.Bitmap) []EntryV3 {
	entries := make([]EntryV3, 0, tileset.GetCardinality())
	it := tileset.Iterator()
	for it.HasNext() {
		entries = append(entries, EntryV3{TileID: it.Next()})
	}
	return entries
}

// setZoomCenterDefaults fills in MinZoom/MaxZoom from the addressed tile
// set, and derives a CenterZoom/CenterLonE7/CenterLatE7 from the bounds
// and minimum zoom when the source metadata did not specify one.
func setZoomCenterDefaults(header *HeaderV3, entries []EntryV3) {
	if len(entries) == 0 {
		return
	}
	minZoom := uint8(255)
	maxZoom := uint8(0)
	for _, e := range entries {
		z, _, _ := IDToZxy(e.TileID)
		if z < minZoom {
			minZoom = z
		}
		if z > maxZoom {
			maxZoom = z
		}
	}
	header.MinZoom = minZoom
	header.MaxZoom = maxZoom

	if header.CenterZoom == 0 && header.CenterLonE7 == 0 && header.CenterLatE7 == 0 {
		header.CenterZoom = minZoom
		header.CenterLonE7 = (header.MinLonE7 + header.MaxLonE7) / 2
		header.CenterLatE7 = (header.MinLatE7 + header.MaxLatE7) / 2
	}
}

func parseBounds(bounds string) (int32, int32, int32, int32, error) {
	parts := strings.Split(bounds, ",")
	if len(parts) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("expected 4 comma-separated bounds, got %q", bounds)
	}
	const e7 = 10000000.0
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, 0, 0, 0, err
		}
		vals[i] = v
	}
	return int32(vals[0] * e7), int32(vals[1] * e7), int32(vals[2] * e7), int32(vals[3] * e7), nil
}

func parseCenter(center string) (int32, int32, uint8, error) {
	parts := strings.Split(center, ",")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("expected 3 comma-separated center fields, got %q", center)
	}
	const e7 = 10000000.0
	centerLon, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, 0, 0, err
	}
	centerLat, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, 0, 0, err
	}
	centerZoom, err := strconv.ParseInt(parts[2], 10, 8)
	if err != nil {
		return 0, 0, 0, err
	}
	return int32(centerLon * e7), int32(centerLat * e7), uint8(centerZoom), nil
}

// mbtilesToHeaderJSON converts MBTiles' flat name/value metadata rows into
// a HeaderV3 plus the residual JSON metadata blob, following the same
// field mapping as the reference GDAL OGR driver's MBTiles importer: a
// "json" value is merged into the result rather than kept as a raw string,
// and bounds/center/zoom fields are consumed into the header instead of
// being duplicated in metadata.
func mbtilesToHeaderJSON(mbtilesMetadata []string) (HeaderV3, map[string]interface{}, error) {
	header := HeaderV3{}
	result := make(map[string]interface{})
	for i := 0; i+1 < len(mbtilesMetadata); i += 2 {
		key := mbtilesMetadata[i]
		value := mbtilesMetadata[i+1]
		switch key {
		case "format":
			switch value {
			case "pbf":
				header.TileType = Mvt
			case "png":
				header.TileType = Png
			case "jpg":
				header.TileType = Jpeg
			case "webp":
				header.TileType = Webp
			}
			result["format"] = value
		case "bounds":
			minLon, minLat, maxLon, maxLat, err := parseBounds(value)
			if err != nil {
				return header, result, err
			}
			header.MinLonE7, header.MinLatE7 = minLon, minLat
			header.MaxLonE7, header.MaxLatE7 = maxLon, maxLat
		case "center":
			centerLon, centerLat, centerZoom, err := parseCenter(value)
			if err != nil {
				return header, result, err
			}
			header.CenterLonE7, header.CenterLatE7, header.CenterZoom = centerLon, centerLat, centerZoom
		case "minzoom":
			i64, err := strconv.ParseInt(value, 10, 8)
			if err != nil {
				return header, result, err
			}
			header.MinZoom = uint8(i64)
		case "maxzoom":
			i64, err := strconv.ParseInt(value, 10, 8)
			if err != nil {
				return header, result, err
			}
			header.MaxZoom = uint8(i64)
		case "json":
			var nested map[string]interface{}
			if err := json.Unmarshal([]byte(value), &nested); err != nil {
				return header, result, wrapErr(Malformed, "metadata json field", err)
			}
			for k, v := range nested {
				result[k] = v
			}
		case "compression":
			if value == "gzip" {
				header.TileCompression = Gzip
			}
			result["compression"] = value
		default:
			result[key] = value
		}
	}
	return header, result, nil
}
