package pmtiles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverDedupAndRLE(t *testing.T) {
	resolver := NewResolver(NoCompression)

	isNew, _, err := resolver.AddTileIsNew(1, []byte{0x1, 0x2})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Len(t, resolver.Entries, 1)

	isNew, _, err = resolver.AddTileIsNew(2, []byte{0x1, 0x3})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, uint64(4), resolver.Offset)

	isNew, _, err = resolver.AddTileIsNew(3, []byte{0x1, 0x2})
	require.NoError(t, err)
	assert.False(t, isNew, "expected deduplication")
	assert.Equal(t, uint64(4), resolver.Offset)

	isNew, _, err = resolver.AddTileIsNew(4, []byte{0x1, 0x2})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Len(t, resolver.Entries, 3, "tile 4 should extend the run started by duplicate tile 3")

	isNew, _, err = resolver.AddTileIsNew(6, []byte{0x1, 0x2})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Len(t, resolver.Entries, 4, "skipped id 5 breaks the run, starting a new entry")
}

func TestZoomCenterDefaults(t *testing.T) {
	// with no center set
	header := HeaderV3{}
	header.MinLonE7 = -45 * 10000000
	header.MaxLonE7 = -43 * 10000000
	header.MinLatE7 = 21 * 10000000
	header.MaxLatE7 = 23 * 10000000
	entries := make([]EntryV3, 0)
	entries = append(entries, EntryV3{TileID: ZxyToID(3, 0, 0)})
	entries = append(entries, EntryV3{TileID: ZxyToID(4, 0, 0)})
	setZoomCenterDefaults(&header, entries)
	assert.Equal(t, uint8(3), header.MinZoom)
	assert.Equal(t, uint8(4), header.MaxZoom)
	assert.Equal(t, uint8(3), header.CenterZoom)
	assert.Equal(t, int32(-44*10000000), header.CenterLonE7)
	assert.Equal(t, int32(22*10000000), header.CenterLatE7)

	// with a center already set
	header = HeaderV3{}
	header.MinLonE7 = -45 * 10000000
	header.MaxLonE7 = -43 * 10000000
	header.MinLatE7 = 21 * 10000000
	header.MaxLatE7 = 23 * 10000000
	header.CenterLonE7 = header.MinLonE7
	header.CenterLatE7 = header.MinLatE7
	header.CenterZoom = 4
	setZoomCenterDefaults(&header, entries)
	assert.Equal(t, uint8(4), header.CenterZoom)
	assert.Equal(t, int32(-45*10000000), header.CenterLonE7)
	assert.Equal(t, int32(21*10000000), header.CenterLatE7)
}

func TestParseBoundsAndCenter(t *testing.T) {
	minLon, minLat, maxLon, maxLat, err := parseBounds("-180.0,-85,178,83")
	require.NoError(t, err)
	assert.Equal(t, int32(-180*10000000), minLon)
	assert.Equal(t, int32(-85*10000000), minLat)
	assert.Equal(t, int32(178*10000000), maxLon)
	assert.Equal(t, int32(83*10000000), maxLat)

	lon, lat, zoom, err := parseCenter("-122.1906,37.7599,11")
	require.NoError(t, err)
	assert.Equal(t, int32(-122.1906*10000000), lon)
	assert.Equal(t, int32(37.7599*10000000), lat)
	assert.Equal(t, uint8(11), zoom)

	_, _, _, _, err = parseBounds("1,2,3")
	assert.Error(t, err)
	_, _, _, err = parseCenter("1,2")
	assert.Error(t, err)
}

func TestMbtilesToHeaderJSON(t *testing.T) {
	header, metadata, err := mbtilesToHeaderJSON([]string{
		"name", "test_name",
		"format", "pbf",
		"bounds", "-180.0,-85,180,85",
		"center", "-122.1906,37.7599,11",
		"attribution", "<div>abc</div>",
		"description", "a description",
		"type", "overlay",
		"version", "1",
		"json", "{\"vector_layers\":[{\"abc\":123}],\"tilestats\":{\"def\":456}}",
		"compression", "gzip",
	})
	require.NoError(t, err)

	assert.Equal(t, int32(-180*10000000), header.MinLonE7)
	assert.Equal(t, int32(-85*10000000), header.MinLatE7)
	assert.Equal(t, int32(180*10000000), header.MaxLonE7)
	assert.Equal(t, int32(85*10000000), header.MaxLatE7)
	assert.Equal(t, Mvt, header.TileType)
	assert.Equal(t, int32(-122.1906*10000000), header.CenterLonE7)
	assert.Equal(t, int32(37.7599*10000000), header.CenterLatE7)
	assert.Equal(t, uint8(11), header.CenterZoom)
	assert.Equal(t, Gzip, header.TileCompression)

	// redundant header-owned fields are not duplicated into metadata
	_, hasCenter := metadata["center"]
	assert.False(t, hasCenter)
	_, hasBounds := metadata["bounds"]
	assert.False(t, hasBounds)

	// preserved passthrough metadata fields
	for _, key := range []string{"name", "format", "attribution", "description", "type", "version", "compression"} {
		_, ok := metadata[key]
		assert.True(t, ok, "expected %s in metadata", key)
	}

	// well-known nested json fields get hoisted to the top level
	_, hasLayers := metadata["vector_layers"]
	assert.True(t, hasLayers)
	_, hasStats := metadata["tilestats"]
	assert.True(t, hasStats)
}
