package pmtiles

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
)

// maxDirectoryDepth bounds the root -> leaf -> leaf chase a single GetTile
// lookup will follow. The format only ever produces one level of leaf
// directories, but a defensively small budget keeps a corrupt or
// maliciously crafted archive from driving an unbounded recursion.
const maxDirectoryDepth = 4

// maxIterateDepth bounds the same chase during a full-archive Iterate,
// slightly looser than GetTile's budget since Iterate already walks the
// whole tree and benefits from a little more slack for future directory
// nesting without having to change the format.
const maxIterateDepth = 5

// Reader is a read-only view over a single PMTiles v3 archive, backed by
// a Bucket so the same code serves local files and remote object storage.
type Reader struct {
	logger *log.Logger
	bucket Bucket
	key    string
	header HeaderV3
}

// NewReader opens bucketURL/key, reads the fixed-size header, and
// validates it. The directory tree and tile data are fetched lazily,
// on demand, by GetTile and Iterate.
func NewReader(ctx context.Context, logger *log.Logger, bucket Bucket, key string) (*Reader, error) {
	r, err := bucket.NewRangeReader(ctx, key, 0, HeaderV3LenBytes)
	if err != nil {
		return nil, wrapErr(IoError, "open header range", err)
	}
	defer r.Close()
	headerBytes, err := io.ReadAll(r)
	if err != nil {
		return nil, wrapErr(IoError, "read header", err)
	}
	header, err := DeserializeHeader(headerBytes)
	if err != nil {
		return nil, err
	}
	return &Reader{logger: logger, bucket: bucket, key: key, header: header}, nil
}

// Header returns the archive's parsed 127-byte header.
func (r *Reader) Header() HeaderV3 {
	return r.header
}

// Metadata fetches and decompresses the archive's metadata JSON blob.
func (r *Reader) Metadata(ctx context.Context) (map[string]interface{}, error) {
	data, err := r.readRange(ctx, r.header.MetadataOffset, r.header.MetadataLength)
	if err != nil {
		return nil, err
	}
	raw, err := Decompress(data, r.header.InternalCompression)
	if err != nil {
		return nil, err
	}
	var metadata map[string]interface{}
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, wrapErr(Malformed, "metadata json", err)
	}
	return metadata, nil
}

func (r *Reader) readRange(ctx context.Context, offset, length uint64) ([]byte, error) {
	rc, err := r.bucket.NewRangeReader(ctx, r.key, int64(offset), int64(length))
	if err != nil {
		return nil, wrapErr(IoError, "range read", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, wrapErr(IoError, "range read", err)
	}
	return b, nil
}

func (r *Reader) readDirectory(ctx context.Context, offset, length uint64) ([]EntryV3, error) {
	b, err := r.readRange(ctx, offset, length)
	if err != nil {
		return nil, err
	}
	return DeserializeEntries(bytes.NewBuffer(b), r.header.InternalCompression)
}

// findTileEntry chases the root/leaf directory chain for tileID, bounded
// by maxDirectoryDepth hops. It returns ErrNotFound (wrapped, check with
// errors.Is) when the archive does not address the requested coordinate.
func (r *Reader) findTileEntry(ctx context.Context, tileID uint64) (EntryV3, error) {
	dirOffset := r.header.RootOffset
	dirLength := r.header.RootLength

	for depth := 0; depth <= maxDirectoryDepth; depth++ {
		entries, err := r.readDirectory(ctx, dirOffset, dirLength)
		if err != nil {
			return EntryV3{}, err
		}
		entry, ok := findTile(entries, tileID)
		if !ok {
			return EntryV3{}, ErrNotFound
		}
		if entry.Kind() == TileEntry {
			return entry, nil
		}
		dirOffset = r.header.LeafDirectoryOffset + entry.Offset
		dirLength = uint64(entry.Length)
	}
	return EntryV3{}, newErr(ResourceLimit, fmt.Sprintf("directory chase exceeded depth budget of %d", maxDirectoryDepth))
}

// GetTile returns a single tile's decompressed bytes. It returns
// ErrNotFound (wrapped, check with errors.Is) when the archive does not
// address the requested coordinate.
func (r *Reader) GetTile(ctx context.Context, z uint8, x, y uint32) ([]byte, error) {
	data, err := r.GetTileRaw(ctx, z, x, y)
	if err != nil {
		return nil, err
	}
	return Decompress(data, r.header.TileCompression)
}

// GetTileRaw returns a single tile's bytes exactly as stored in the
// archive's tile-data section, without decompressing TileCompression.
// Callers that re-expose the archive's own byte layout (the VFS, for
// instance) want this instead of GetTile.
func (r *Reader) GetTileRaw(ctx context.Context, z uint8, x, y uint32) ([]byte, error) {
	tileID, err := CheckedZxyToID(z, x, y)
	if err != nil {
		return nil, err
	}
	entry, err := r.findTileEntry(ctx, tileID)
	if err != nil {
		return nil, err
	}
	return r.readRange(ctx, r.header.TileDataOffset+entry.Offset, uint64(entry.Length))
}

// TileCallback receives one addressed tile's coordinate and decompressed
// bytes during Iterate. Returning a non-nil error stops the walk early.
type TileCallback func(z uint8, x, y uint32, data []byte) error

// Iterate walks every tile entry in the archive in ascending tile-id
// order, decompressing each payload before invoking cb. Unlike GetTile,
// which rejects directory chains deeper than maxDirectoryDepth as an
// anti-corruption measure on a single untrusted lookup, Iterate is used
// for full-archive operations (export, re-clustering, verification) and
// is given a little more depth budget accordingly.
func (r *Reader) Iterate(ctx context.Context, cb TileCallback) error {
	// nextID is the smallest tile id the next tile entry may start at, so
	// tile ids must strictly increase across directories as well as within one.
	var nextID uint64
	var walk func(offset, length uint64, depth int) error
	walk = func(offset, length uint64, depth int) error {
		if depth > maxIterateDepth {
			return newErr(ResourceLimit, fmt.Sprintf("directory chase exceeded depth budget of %d", maxIterateDepth))
		}
		entries, err := r.readDirectory(ctx, offset, length)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.Kind() == LeafPointer {
				if err := walk(r.header.LeafDirectoryOffset+entry.Offset, uint64(entry.Length), depth+1); err != nil {
					return err
				}
				continue
			}
			if entry.TileID < nextID {
				return newErr(Malformed, fmt.Sprintf("tile id %d does not follow the previous entry's run", entry.TileID))
			}
			nextID = entry.TileID + uint64(entry.RunLength)
			data, err := r.readRange(ctx, r.header.TileDataOffset+entry.Offset, uint64(entry.Length))
			if err != nil {
				return err
			}
			raw, err := Decompress(data, r.header.TileCompression)
			if err != nil {
				return err
			}
			for i := uint32(0); i < entry.RunLength; i++ {
				z, x, y := IDToZxy(entry.TileID + uint64(i))
				if err := cb(z, x, y, raw); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(r.header.RootOffset, r.header.RootLength, 0)
}

// Close releases the underlying bucket.
func (r *Reader) Close() error {
	return r.bucket.Close()
}
