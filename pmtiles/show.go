package pmtiles

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
)

// Show prints archive metadata, the header, or a single tile's raw bytes to
// out, reading only the byte ranges it needs via the Bucket abstraction so
// it works the same way against a local file or a remote object store.
func Show(logger *log.Logger, out io.Writer, bucketURL string, key string, showHeader bool, showMetadata bool, showTile bool, z uint8, x uint32, y uint32) error {
	ctx := context.Background()

	bucketURL, key, err := NormalizeBucketKey(bucketURL, "", key)
	if err != nil {
		return err
	}

	bucket, err := OpenBucket(ctx, bucketURL, "")
	if err != nil {
		return fmt.Errorf("failed to open bucket for %s: %w", bucketURL, err)
	}
	defer bucket.Close()

	r, err := bucket.NewRangeReader(ctx, key, 0, HeaderV3LenBytes)
	if err != nil {
		return fmt.Errorf("failed to create range reader for %s: %w", key, err)
	}
	headerBytes, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}

	header, err := DeserializeHeader(headerBytes)
	if err != nil {
		if len(headerBytes) >= 3 && string(headerBytes[0:2]) == "PM" {
			return fmt.Errorf("pmtiles version %d detected; only version 3 archives are supported", headerBytes[2])
		}
		return fmt.Errorf("failed to read header of %s: %w", key, err)
	}

	if showHeader {
		info := map[string]interface{}{
			"SpecVersion":         header.SpecVersion,
			"TileType":            tileTypeToString(header.TileType),
			"TileCompression":     func() string { s, _ := compressionToString(header.TileCompression); return s }(),
			"InternalCompression": func() string { s, _ := compressionToString(header.InternalCompression); return s }(),
			"MinZoom":             header.MinZoom,
			"MaxZoom":             header.MaxZoom,
			"MinLon":              float64(header.MinLonE7) / 10000000,
			"MinLat":              float64(header.MinLatE7) / 10000000,
			"MaxLon":              float64(header.MaxLonE7) / 10000000,
			"MaxLat":              float64(header.MaxLatE7) / 10000000,
			"CenterLon":           float64(header.CenterLonE7) / 10000000,
			"CenterLat":           float64(header.CenterLatE7) / 10000000,
			"CenterZoom":          header.CenterZoom,
			"AddressedTilesCount": header.AddressedTilesCount,
			"TileEntriesCount":    header.TileEntriesCount,
			"TileContentsCount":   header.TileContentsCount,
			"Clustered":           header.Clustered,
		}
		enc, err := json.Marshal(info)
		if err != nil {
			return err
		}
		_, err = out.Write(enc)
		return err
	}

	if showMetadata {
		metadataReader, err := bucket.NewRangeReader(ctx, key, int64(header.MetadataOffset), int64(header.MetadataLength))
		if err != nil {
			return fmt.Errorf("failed to create range reader for %s: %w", key, err)
		}
		defer metadataReader.Close()

		var metadataBytes []byte
		if header.InternalCompression == Gzip {
			gzr, err := gzip.NewReader(metadataReader)
			if err != nil {
				return wrapErr(DecompressError, "metadata gzip stream", err)
			}
			metadataBytes, err = io.ReadAll(gzr)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", key, err)
			}
		} else {
			metadataBytes, err = io.ReadAll(metadataReader)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", key, err)
			}
		}
		_, err = out.Write(metadataBytes)
		return err
	}

	if showTile {
		tileID, err := CheckedZxyToID(z, x, y)
		if err != nil {
			return err
		}

		dirOffset := header.RootOffset
		dirLength := header.RootLength

		for depth := 0; depth <= 3; depth++ {
			dr, err := bucket.NewRangeReader(ctx, key, int64(dirOffset), int64(dirLength))
			if err != nil {
				return fmt.Errorf("network error reading directory: %w", err)
			}
			b, err := io.ReadAll(dr)
			dr.Close()
			if err != nil {
				return fmt.Errorf("i/o error reading directory: %w", err)
			}
			directory, err := DeserializeEntries(bytes.NewBuffer(b), header.InternalCompression)
			if err != nil {
				return err
			}
			entry, ok := findTile(directory, tileID)
			if !ok {
				return ErrNotFound
			}
			if entry.Kind() == TileEntry {
				tr, err := bucket.NewRangeReader(ctx, key, int64(header.TileDataOffset+entry.Offset), int64(entry.Length))
				if err != nil {
					return fmt.Errorf("network error reading tile: %w", err)
				}
				defer tr.Close()
				tileBytes, err := io.ReadAll(tr)
				if err != nil {
					return fmt.Errorf("i/o error reading tile: %w", err)
				}
				_, err = out.Write(tileBytes)
				return err
			}
			dirOffset = header.LeafDirectoryOffset + entry.Offset
			dirLength = uint64(entry.Length)
		}
		return ErrNotFound
	}

	return nil
}

