package pmtiles

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// Verify checks that an archive's header statistics match its directory
// contents, and that tile payloads are laid out in ascending-offset order
// when the header claims the archive is clustered.
func Verify(logger *log.Logger, file string) error {
	start := time.Now()
	ctx := context.Background()

	bucketURL, key, err := NormalizeBucketKey("", "", file)
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
		return fmt.Errorf("failed to read header of %s: %w", key, err)
	}

	fileInfo, err := os.Stat(file)
	if err != nil {
		return wrapErr(IoError, "stat archive", err)
	}

	lengthFromHeader := int64(HeaderV3LenBytes) + int64(header.RootLength) + int64(header.MetadataLength) + int64(header.LeafDirectoryLength) + int64(header.TileDataLength)
	if fileInfo.Size() != lengthFromHeader {
		return newErr(Malformed, fmt.Sprintf("total length of archive %v does not match header %v", fileInfo.Size(), lengthFromHeader))
	}

	var collectEntries func(dirOffset uint64, dirLength uint64, f func(EntryV3) error) error
	collectEntries = func(dirOffset uint64, dirLength uint64, f func(EntryV3) error) error {
		dirReader, err := bucket.NewRangeReader(ctx, key, int64(dirOffset), int64(dirLength))
		if err != nil {
			return wrapErr(IoError, "read directory", err)
		}
		defer dirReader.Close()
		b, err := io.ReadAll(dirReader)
		if err != nil {
			return wrapErr(IoError, "read directory", err)
		}

		directory, err := DeserializeEntries(bytes.NewBuffer(b), header.InternalCompression)
		if err != nil {
			return err
		}
		for _, entry := range directory {
			if entry.Kind() == TileEntry {
				if err := f(entry); err != nil {
					return err
				}
			} else {
				if err := collectEntries(header.LeafDirectoryOffset+entry.Offset, uint64(entry.Length), f); err != nil {
					return err
				}
			}
		}
		return nil
	}

	minTileID := uint64(math.MaxUint64)
	maxTileID := uint64(0)

	addressedTiles := 0
	tileEntries := 0
	seenOffsets := roaring64.New()
	var currentOffset uint64

	err = collectEntries(header.RootOffset, header.RootLength, func(e EntryV3) error {
		addressedTiles += int(e.RunLength)
		tileEntries++

		if e.TileID < minTileID {
			minTileID = e.TileID
		}
		if e.TileID > maxTileID {
			maxTileID = e.TileID
		}

		if e.Offset+uint64(e.Length) > header.TileDataLength {
			logger.Printf("invalid: entry %+v extends outside the tile-data section", e)
		}

		if header.Clustered && !seenOffsets.Contains(e.Offset) {
			if e.Offset != currentOffset {
				logger.Printf("invalid: out-of-order entry %+v in clustered archive", e)
			}
			currentOffset = e.Offset + uint64(e.Length)
		}
		seenOffsets.Add(e.Offset)
		return nil
	})
	if err != nil {
		return err
	}

	if uint64(addressedTiles) != header.AddressedTilesCount {
		return newErr(Malformed, fmt.Sprintf("header AddressedTilesCount=%v but %v tiles addressed", header.AddressedTilesCount, addressedTiles))
	}

	if uint64(tileEntries) != header.TileEntriesCount {
		return newErr(Malformed, fmt.Sprintf("header TileEntriesCount=%v but %v tile entries", header.TileEntriesCount, tileEntries))
	}

	if seenOffsets.GetCardinality() != header.TileContentsCount {
		return newErr(Malformed, fmt.Sprintf("header TileContentsCount=%v but %v tile contents", header.TileContentsCount, seenOffsets.GetCardinality()))
	}

	if z, _, _ := IDToZxy(minTileID); z != header.MinZoom {
		return newErr(Malformed, fmt.Sprintf("header MinZoom=%v does not match min tile z %v", header.MinZoom, z))
	}

	if z, _, _ := IDToZxy(maxTileID); z != header.MaxZoom {
		return newErr(Malformed, fmt.Sprintf("header MaxZoom=%v does not match max tile z %v", header.MaxZoom, z))
	}

	if !(header.CenterZoom >= header.MinZoom && header.CenterZoom <= header.MaxZoom) {
		return newErr(Malformed, fmt.Sprintf("header CenterZoom=%v not within MinZoom/MaxZoom", header.CenterZoom))
	}

	if header.MinLonE7 >= header.MaxLonE7 || header.MinLatE7 >= header.MaxLatE7 {
		return newErr(Malformed, "bounds has area <= 0: clients may not display tiles correctly")
	}

	logger.Printf("completed verify in %v", time.Since(start))
	return nil
}
