package pmtiles

import (
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"os"

	"encoding/json"
)

// Cluster rewrites an unclustered PMTiles v3 archive (entries present but
// not necessarily laid out so that directory order matches tile-data
// order) into a clustered one: tile payloads are re-deduplicated and
// written out in ascending tile-id order, so that a reader streaming the
// tile-data section sequentially visits tiles in directory order. This
// mirrors the guarantee the format calls "Clustered" in the header.
func Cluster(logger *log.Logger, inputPMTiles string, outputPMTiles string) error {
	file, err := os.Open(inputPMTiles)
	if err != nil {
		return wrapErr(IoError, "open input archive", err)
	}
	defer file.Close()

	headerBytes := make([]byte, HeaderV3LenBytes)
	if _, err := io.ReadFull(file, headerBytes); err != nil {
		return wrapErr(IoError, "read header", err)
	}
	header, err := DeserializeHeader(headerBytes)
	if err != nil {
		return err
	}

	if header.Clustered {
		return newErr(Malformed, "archive is already clustered")
	}

	metadataReader := io.NewSectionReader(file, int64(header.MetadataOffset), int64(header.MetadataLength))
	var metadataBytes []byte
	if header.InternalCompression == Gzip {
		gzr, err := gzip.NewReader(metadataReader)
		if err != nil {
			return wrapErr(DecompressError, "metadata gzip stream", err)
		}
		metadataBytes, err = io.ReadAll(gzr)
		if err != nil {
			return wrapErr(IoError, "read metadata", err)
		}
	} else {
		metadataBytes, err = io.ReadAll(metadataReader)
		if err != nil {
			return wrapErr(IoError, "read metadata", err)
		}
	}
	var parsedMetadata map[string]interface{}
	if err := json.Unmarshal(metadataBytes, &parsedMetadata); err != nil {
		return wrapErr(Malformed, "parse metadata json", err)
	}

	sink, err := NewFileScratchSink("")
	if err != nil {
		return err
	}

	w := NewWriter(logger, sink, Gzip, header)

	bar := getProgressWriter().NewCountProgress(int64(header.AddressedTilesCount), "clustering archive")
	defer bar.Close()

	fetch := func(offset, length uint64) ([]byte, error) {
		return io.ReadAll(io.NewSectionReader(file, int64(offset), int64(length)))
	}

	err = IterateEntries(header, fetch, func(e EntryV3) {
		data, readErr := io.ReadAll(io.NewSectionReader(file, int64(header.TileDataOffset+e.Offset), int64(e.Length)))
		if readErr != nil {
			return
		}
		raw, decErr := Decompress(data, header.TileCompression)
		if decErr != nil {
			return
		}
		for i := uint32(0); i < e.RunLength; i++ {
			z, x, y := IDToZxy(e.TileID + uint64(i))
			_ = w.AddTile(z, x, y, raw)
		}
		bar.Add(1)
	})
	if err != nil {
		return err
	}

	if err := w.Finalize(outputPMTiles, parsedMetadata); err != nil {
		return err
	}
	fmt.Println()
	return nil
}
