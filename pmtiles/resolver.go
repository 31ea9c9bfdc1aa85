package pmtiles

import (
	"hash"
	"hash/fnv"
	"math"
)

// OffsetLen records where a previously-seen tile's compressed payload
// already lives in the tile-data section, so later duplicates can
// back-reference it instead of being written again.
type OffsetLen struct {
	Offset uint64
	Length uint32
}

// Resolver performs content-addressed deduplication and run-length
// compaction while a writer appends tiles in ascending tile-id order. It
// owns the tile-data byte offset counter; the caller owns where
// new payload bytes are persisted (see ScratchSink).
type Resolver struct {
	Entries        []EntryV3
	Offset         uint64
	OffsetMap      map[string]OffsetLen
	AddressedTiles uint64

	compression Compression
	hashfunc    hash.Hash
}

// NewResolver constructs a Resolver that compresses new (non-duplicate)
// tile payloads with the given compression algorithm, skipping
// compression for payloads that are already compressed with it (sniffed
// via isGzipped for Gzip; other algorithms are always re-compressed since
// they lack a cheap magic-byte sniff).
func NewResolver(compression Compression) *Resolver {
	return &Resolver{
		Entries:     make([]EntryV3, 0),
		OffsetMap:   make(map[string]OffsetLen),
		compression: compression,
		hashfunc:    fnv.New128a(),
	}
}

// AddTileIsNew records one tile's raw (uncompressed) payload under tileID,
// which must be strictly increasing across calls. It returns (true,
// compressedBytes) when this is new content the caller must persist to
// the tile-data section, or (false, nil) when the tile was a duplicate of
// already-seen content and only a directory entry was recorded (via RLE
// extension of the previous entry when possible).
func (r *Resolver) AddTileIsNew(tileID uint64, data []byte) (bool, []byte, error) {
	r.AddressedTiles++
	r.hashfunc.Reset()
	r.hashfunc.Write(data)
	sumString := string(r.hashfunc.Sum(nil))

	if found, ok := r.OffsetMap[sumString]; ok {
		last := r.Entries[len(r.Entries)-1]
		if tileID == last.TileID+uint64(last.RunLength) && last.Offset == found.Offset {
			if uint64(last.RunLength)+1 > math.MaxUint32 {
				return false, nil, newErr(Overflow, "run_length exceeds uint32 range")
			}
			r.Entries[len(r.Entries)-1].RunLength++
		} else {
			r.Entries = append(r.Entries, EntryV3{tileID, found.Offset, found.Length, 1})
		}
		return false, nil, nil
	}

	newData := data
	if r.compression == Gzip && !isGzipped(data) {
		compressed, err := Compress(data, Gzip)
		if err != nil {
			return false, nil, err
		}
		newData = compressed
	} else if r.compression != Gzip && r.compression != NoCompression {
		compressed, err := Compress(data, r.compression)
		if err != nil {
			return false, nil, err
		}
		newData = compressed
	}

	r.OffsetMap[sumString] = OffsetLen{r.Offset, uint32(len(newData))}
	r.Entries = append(r.Entries, EntryV3{tileID, r.Offset, uint32(len(newData)), 1})
	r.Offset += uint64(len(newData))
	return true, newData, nil
}

// TileContentsCount is the number of distinct compressed payloads written,
// i.e. the cardinality of OffsetMap.
func (r *Resolver) TileContentsCount() uint64 {
	return uint64(len(r.OffsetMap))
}
