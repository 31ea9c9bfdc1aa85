package pmtiles

import (
	"encoding/json"
	"io"
	"log"
	"os"

	"github.com/dustin/go-humanize"
)

// targetRootBytes is the root directory's size ceiling: 16384 bytes total
// minus the 127-byte fixed header, matching the convention used by both
// the reference C++ implementation and every known PMTiles writer.
const targetRootBytes = 16384 - HeaderV3LenBytes

// ScratchSink is where a Writer stages new (non-duplicate) tile payload
// bytes while the archive is being built, before the final file layout
// (header, directories, metadata sizes) is known. Append returns the
// byte offset the payload was written at, suitable for recording in an
// EntryV3.Offset once combined with the eventual TileDataOffset.
type ScratchSink interface {
	Append(data []byte) (offset uint64, err error)
	DrainInto(w io.Writer) error
	Close() error
}

// FileScratchSink stages tile payloads in a temp file, avoiding holding
// the whole (potentially multi-gigabyte) tile-data section in memory.
type FileScratchSink struct {
	file   *os.File
	offset uint64
}

// NewFileScratchSink creates a scratch sink backed by a temp file in dir
// (the OS default temp directory when dir is empty).
func NewFileScratchSink(dir string) (*FileScratchSink, error) {
	f, err := os.CreateTemp(dir, "pmtiles-scratch-")
	if err != nil {
		return nil, wrapErr(IoError, "create scratch file", err)
	}
	return &FileScratchSink{file: f}, nil
}

func (s *FileScratchSink) Append(data []byte) (uint64, error) {
	offset := s.offset
	n, err := s.file.Write(data)
	if err != nil {
		return 0, wrapErr(IoError, "write scratch file", err)
	}
	s.offset += uint64(n)
	return offset, nil
}

func (s *FileScratchSink) DrainInto(w io.Writer) error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return wrapErr(IoError, "seek scratch file", err)
	}
	if _, err := io.Copy(w, s.file); err != nil {
		return wrapErr(IoError, "copy scratch file", err)
	}
	return nil
}

func (s *FileScratchSink) Close() error {
	name := s.file.Name()
	if err := s.file.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}

// Writer builds a clustered PMTiles v3 archive one tile at a time. AddTile
// must be called with strictly increasing tile ids by a single goroutine;
// the format and this implementation specify no concurrent-write API.
type Writer struct {
	logger      *log.Logger
	resolver    *Resolver
	sink        ScratchSink
	header      HeaderV3
	compression Compression
}

// NewWriter constructs a Writer that compresses new tile payloads with
// compression (typically Gzip) and stages them via sink. header supplies
// the caller-known fields (zoom range, bounds, tile type, ...); the
// counters and section offsets are filled in by Finalize.
func NewWriter(logger *log.Logger, sink ScratchSink, compression Compression, header HeaderV3) *Writer {
	return &Writer{
		logger:      logger,
		resolver:    NewResolver(compression),
		sink:        sink,
		header:      header,
		compression: compression,
	}
}

// AddTile adds one tile's raw (uncompressed) payload under (z,x,y). Tiles
// must be added in ascending tile-id order; the derivation interface
// specifies no concurrent-write API and this method does not itself
// enforce the ordering.
func (w *Writer) AddTile(z uint8, x, y uint32, data []byte) error {
	tileID, err := CheckedZxyToID(z, x, y)
	if err != nil {
		return err
	}
	isNew, compressed, err := w.resolver.AddTileIsNew(tileID, data)
	if err != nil {
		return err
	}
	if isNew {
		if _, err := w.sink.Append(compressed); err != nil {
			return err
		}
	}
	return nil
}

// Finalize assembles the header, root directory, metadata, leaf directories,
// and tile-data sections (in that fixed wire order) into output, and closes
// the scratch sink. metadata is JSON-marshalled and compressed with the
// header's InternalCompression (Gzip when the caller left it unset).
func (w *Writer) Finalize(output string, metadata map[string]interface{}) error {
	defer w.sink.Close()

	outfile, err := os.Create(output)
	if err != nil {
		return wrapErr(IoError, "create output archive", err)
	}
	defer outfile.Close()

	header := w.header
	header.AddressedTilesCount = w.resolver.AddressedTiles
	header.TileEntriesCount = uint64(len(w.resolver.Entries))
	header.TileContentsCount = w.resolver.TileContentsCount()
	header.Clustered = true
	if header.InternalCompression == UnknownCompression {
		header.InternalCompression = Gzip
	}
	if header.TileCompression == UnknownCompression {
		header.TileCompression = w.compression
	}
	header.TileDataLength = w.resolver.Offset

	rootBytes, leavesBytes, numLeaves := optimizeDirectories(w.resolver.Entries, targetRootBytes, header.InternalCompression)

	if w.logger != nil {
		if numLeaves > 0 {
			w.logger.Printf("root directory bytes: %s, leaf directories: %d (%s)", humanize.Bytes(uint64(len(rootBytes))), numLeaves, humanize.Bytes(uint64(len(leavesBytes))))
		} else {
			w.logger.Printf("root directory bytes: %s (no leaf directories needed)", humanize.Bytes(uint64(len(rootBytes))))
		}
	}

	metadataBytes, err := serializeMetadata(metadata, header.InternalCompression)
	if err != nil {
		return err
	}

	header.RootOffset = HeaderV3LenBytes
	header.RootLength = uint64(len(rootBytes))
	header.MetadataOffset = header.RootOffset + header.RootLength
	header.MetadataLength = uint64(len(metadataBytes))
	header.LeafDirectoryOffset = header.MetadataOffset + header.MetadataLength
	header.LeafDirectoryLength = uint64(len(leavesBytes))
	header.TileDataOffset = header.LeafDirectoryOffset + header.LeafDirectoryLength

	headerBytes := SerializeHeader(header)

	for _, chunk := range [][]byte{headerBytes, rootBytes, metadataBytes, leavesBytes} {
		if _, err := outfile.Write(chunk); err != nil {
			return wrapErr(IoError, "write archive section", err)
		}
	}
	return w.sink.DrainInto(outfile)
}

func serializeMetadata(metadata map[string]interface{}, compression Compression) ([]byte, error) {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, wrapErr(Malformed, "marshal metadata", err)
	}
	return Compress(raw, compression)
}
