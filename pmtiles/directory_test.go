package pmtiles

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryRoundtrip(t *testing.T) {
	entries := make([]EntryV3, 0)
	entries = append(entries, EntryV3{0, 0, 0, 0})
	entries = append(entries, EntryV3{1, 1, 1, 1})
	entries = append(entries, EntryV3{2, 2, 2, 2})

	serialized := SerializeEntries(entries, NoCompression)
	result, err := DeserializeEntries(bytes.NewBuffer(serialized), NoCompression)
	require.NoError(t, err)
	assert.Equal(t, 3, len(result))
	assert.Equal(t, uint64(0), result[0].TileID)
	assert.Equal(t, uint64(0), result[0].Offset)
	assert.Equal(t, uint32(0), result[0].Length)
	assert.Equal(t, uint32(0), result[0].RunLength)
	assert.Equal(t, uint64(1), result[1].TileID)
	assert.Equal(t, uint64(1), result[1].Offset)
	assert.Equal(t, uint32(1), result[1].Length)
	assert.Equal(t, uint32(1), result[1].RunLength)
	assert.Equal(t, uint64(2), result[2].TileID)
	assert.Equal(t, uint64(2), result[2].Offset)
	assert.Equal(t, uint32(2), result[2].Length)
	assert.Equal(t, uint32(2), result[2].RunLength)
}

func TestDirectoryRoundtripGzip(t *testing.T) {
	entries := []EntryV3{{0, 0, 10, 1}, {5, 10, 20, 3}}
	serialized := SerializeEntries(entries, Gzip)
	result, err := DeserializeEntries(bytes.NewBuffer(serialized), Gzip)
	require.NoError(t, err)
	assert.Equal(t, entries, result)
}

func TestDirectoryContiguousOffsets(t *testing.T) {
	entries := []EntryV3{{0, 0, 10, 1}, {1, 10, 10, 1}, {2, 20, 10, 1}}
	serialized := SerializeEntries(entries, NoCompression)
	result, err := DeserializeEntries(bytes.NewBuffer(serialized), NoCompression)
	require.NoError(t, err)
	assert.Equal(t, entries, result)
}

func TestDirectoryMalformedTrailingBytes(t *testing.T) {
	entries := []EntryV3{{0, 0, 10, 1}}
	serialized := SerializeEntries(entries, NoCompression)
	serialized = append(serialized, 0xff)
	_, err := DeserializeEntries(bytes.NewBuffer(serialized), NoCompression)
	require.Error(t, err)
	var pmErr *Error
	require.ErrorAs(t, err, &pmErr)
	assert.Equal(t, Malformed, pmErr.Kind)
}

func TestDirectoryMalformedRunLengthOverflow(t *testing.T) {
	var b bytes.Buffer
	tmp := make([]byte, 10)
	writeUvarint := func(v uint64) {
		n := binary.PutUvarint(tmp, v)
		b.Write(tmp[:n])
	}
	writeUvarint(1)           // num entries
	writeUvarint(0)           // tile id delta
	writeUvarint(1 << 33)     // run_length: exceeds uint32
	writeUvarint(1)           // length
	writeUvarint(1)           // offset (contiguous marker would be 0; first entry must be nonzero)
	_, err := DeserializeEntries(bytes.NewBuffer(b.Bytes()), NoCompression)
	require.Error(t, err)
}

func TestDirectoryMalformedDuplicateTileID(t *testing.T) {
	var b bytes.Buffer
	tmp := make([]byte, 10)
	writeUvarint := func(v uint64) {
		n := binary.PutUvarint(tmp, v)
		b.Write(tmp[:n])
	}
	writeUvarint(2) // num entries
	writeUvarint(5) // first tile id delta
	writeUvarint(0) // second tile id delta: repeats the same id
	writeUvarint(1) // run_length x2
	writeUvarint(1)
	writeUvarint(1) // length x2
	writeUvarint(1)
	writeUvarint(1) // offset x2 (first entry must be nonzero)
	writeUvarint(1)
	_, err := DeserializeEntries(bytes.NewBuffer(b.Bytes()), NoCompression)
	require.Error(t, err)
	var pmErr *Error
	require.ErrorAs(t, err, &pmErr)
	assert.Equal(t, Malformed, pmErr.Kind)
}

func TestHeaderRoundtrip(t *testing.T) {
	header := HeaderV3{}
	header.SpecVersion = 3
	header.RootOffset = 1
	header.RootLength = 2
	header.MetadataOffset = 3
	header.MetadataLength = 4
	header.LeafDirectoryOffset = 5
	header.LeafDirectoryLength = 6
	header.TileDataOffset = 7
	header.TileDataLength = 8
	header.AddressedTilesCount = 9
	header.TileEntriesCount = 10
	header.TileContentsCount = 11
	header.Clustered = true
	header.InternalCompression = Gzip
	header.TileCompression = Brotli
	header.TileType = Mvt
	header.MinZoom = 1
	header.MaxZoom = 2
	header.MinLonE7 = 11000000
	header.MinLatE7 = 21000000
	header.MaxLonE7 = 12000000
	header.MaxLatE7 = 22000000
	header.CenterZoom = 3
	header.CenterLonE7 = 31000000
	header.CenterLatE7 = 32000000
	b := SerializeHeader(header)
	result, err := DeserializeHeader(b)
	require.NoError(t, err)
	assert.Equal(t, header, result)
}

func TestHeaderBadMagic(t *testing.T) {
	b := SerializeHeader(HeaderV3{})
	copy(b[0:7], "NOTPM__")
	_, err := DeserializeHeader(b)
	require.Error(t, err)
}

func TestHeaderJsonRoundtrip(t *testing.T) {
	header := HeaderV3{}
	header.TileCompression = Brotli
	header.TileType = Mvt
	header.MinZoom = 1
	header.MaxZoom = 3
	header.MinLonE7 = 11000000
	header.MinLatE7 = 21000000
	header.MaxLonE7 = 12000000
	header.MaxLatE7 = 22000000
	header.CenterZoom = 2
	header.CenterLonE7 = 31000000
	header.CenterLatE7 = 32000000
	j := headerToJson(header)
	assert.Equal(t, "br", j.TileCompression)
	assert.Equal(t, "mvt", j.TileType)
	assert.Equal(t, 1, j.MinZoom)
	assert.Equal(t, 3, j.MaxZoom)
	assert.Equal(t, float64(2), j.Center[2])
	assert.InDelta(t, 1.1, j.Bounds[0], 0.0001)
	assert.InDelta(t, 2.1, j.Bounds[1], 0.0001)
	assert.InDelta(t, 1.2, j.Bounds[2], 0.0001)
	assert.InDelta(t, 2.2, j.Bounds[3], 0.0001)
	assert.InDelta(t, 3.1, j.Center[0], 0.0001)
	assert.InDelta(t, 3.2, j.Center[1], 0.0001)
}

func TestOptimizeDirectoriesFitsFlat(t *testing.T) {
	entries := []EntryV3{{0, 0, 100, 1}}
	_, leavesBytes, numLeaves := optimizeDirectories(entries, 100, NoCompression)
	assert.Equal(t, 0, len(leavesBytes))
	assert.Equal(t, 0, numLeaves)
}

func TestOptimizeDirectoriesPromotesLeaves(t *testing.T) {
	rand.Seed(3857)
	entries := make([]EntryV3, 0)
	var i uint64
	var offset uint64
	for ; i < 20000; i++ {
		randtilesize := rand.Intn(1000)
		entries = append(entries, EntryV3{i, offset, uint32(randtilesize), 1})
		offset += uint64(randtilesize)
	}

	rootBytes, leavesBytes, numLeaves := optimizeDirectories(entries, 1024, NoCompression)

	assert.LessOrEqual(t, len(rootBytes), 1024)
	assert.NotEqual(t, 0, numLeaves)
	assert.NotEqual(t, 0, len(leavesBytes))
}

func TestFindTileMissing(t *testing.T) {
	entries := make([]EntryV3, 0)
	_, ok := findTile(entries, 0)
	assert.False(t, ok)
}

func TestFindTileFirstEntry(t *testing.T) {
	entries := []EntryV3{{TileID: 100, Offset: 1, Length: 1, RunLength: 1}}
	entry, ok := findTile(entries, 100)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), entry.Offset)
	assert.Equal(t, uint32(1), entry.Length)
	_, ok = findTile(entries, 101)
	assert.False(t, ok)
}

func TestFindTileMultipleEntries(t *testing.T) {
	entries := []EntryV3{
		{TileID: 100, Offset: 1, Length: 1, RunLength: 2},
	}
	entry, ok := findTile(entries, 101)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), entry.Offset)
	assert.Equal(t, uint32(1), entry.Length)

	entries = []EntryV3{
		{TileID: 100, Offset: 1, Length: 1, RunLength: 1},
		{TileID: 150, Offset: 2, Length: 2, RunLength: 2},
	}
	entry, ok = findTile(entries, 151)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), entry.Offset)
	assert.Equal(t, uint32(2), entry.Length)
}

func TestFindTileLeafSearch(t *testing.T) {
	entries := []EntryV3{
		{TileID: 100, Offset: 1, Length: 1, RunLength: 0},
	}
	entry, ok := findTile(entries, 150)
	assert.True(t, ok)
	assert.Equal(t, LeafPointer, entry.Kind())
	assert.Equal(t, uint64(1), entry.Offset)
	assert.Equal(t, uint32(1), entry.Length)
}

func TestBuildRootsLeaves(t *testing.T) {
	entries := []EntryV3{
		{TileID: 100, Offset: 1, Length: 1, RunLength: 1},
	}
	_, _, numLeaves := buildRootsLeaves(entries, 1, NoCompression)
	assert.Equal(t, 1, numLeaves)
}

func TestStringifiedExtension(t *testing.T) {
	assert.Equal(t, "", headerExt(HeaderV3{}))
	assert.Equal(t, ".mvt", headerExt(HeaderV3{TileType: Mvt}))
	assert.Equal(t, ".png", headerExt(HeaderV3{TileType: Png}))
	assert.Equal(t, ".jpg", headerExt(HeaderV3{TileType: Jpeg}))
	assert.Equal(t, ".webp", headerExt(HeaderV3{TileType: Webp}))
	assert.Equal(t, ".avif", headerExt(HeaderV3{TileType: Avif}))
}
