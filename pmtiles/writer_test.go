package pmtiles

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileScratchSinkAppendAndDrain(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileScratchSink(dir)
	require.NoError(t, err)

	off1, err := sink.Append([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off1)

	off2, err := sink.Append([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), off2)

	var out bytes.Buffer
	require.NoError(t, sink.DrainInto(&out))
	assert.Equal(t, "helloworld", out.String())
	require.NoError(t, sink.Close())
}

func TestWriterFinalizeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileScratchSink(dir)
	require.NoError(t, err)

	header := HeaderV3{MinZoom: 0, MaxZoom: 1, TileType: Mvt}
	w := NewWriter(nil, sink, Gzip, header)

	require.NoError(t, w.AddTile(0, 0, 0, []byte("root-tile")))
	require.NoError(t, w.AddTile(1, 0, 0, []byte("child-tile")))
	require.NoError(t, w.AddTile(1, 0, 1, []byte("root-tile"))) // duplicate of the z0 tile's content

	out := filepath.Join(dir, "out.pmtiles")
	require.NoError(t, w.Finalize(out, map[string]interface{}{"name": "test"}))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, HeaderV3LenBytes)
	_, err = f.Read(buf)
	require.NoError(t, err)

	resultHeader, err := DeserializeHeader(buf)
	require.NoError(t, err)
	assert.True(t, resultHeader.Clustered)
	assert.Equal(t, uint64(3), resultHeader.AddressedTilesCount)
	assert.Equal(t, uint64(2), resultHeader.TileContentsCount)
	assert.Equal(t, uint8(0), resultHeader.MinZoom)
}

func TestWriterFinalizeDefaultsInternalCompressionToGzip(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileScratchSink(dir)
	require.NoError(t, err)

	w := NewWriter(nil, sink, Gzip, HeaderV3{MinZoom: 0, MaxZoom: 0, TileType: Mvt})
	require.NoError(t, w.AddTile(0, 0, 0, []byte("root-tile")))

	out := filepath.Join(dir, "default-internal.pmtiles")
	require.NoError(t, w.Finalize(out, map[string]interface{}{}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	resultHeader, err := DeserializeHeader(data[:HeaderV3LenBytes])
	require.NoError(t, err)
	assert.Equal(t, Gzip, resultHeader.InternalCompression)
}

func TestWriterFinalizeHonorsCallerInternalCompression(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileScratchSink(dir)
	require.NoError(t, err)

	header := HeaderV3{MinZoom: 0, MaxZoom: 0, TileType: Mvt, InternalCompression: NoCompression}
	w := NewWriter(nil, sink, Gzip, header)
	require.NoError(t, w.AddTile(0, 0, 0, []byte("root-tile")))

	out := filepath.Join(dir, "plain-internal.pmtiles")
	require.NoError(t, w.Finalize(out, map[string]interface{}{"name": "plain"}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	resultHeader, err := DeserializeHeader(data[:HeaderV3LenBytes])
	require.NoError(t, err)
	assert.Equal(t, NoCompression, resultHeader.InternalCompression)

	metadataBytes := data[resultHeader.MetadataOffset : resultHeader.MetadataOffset+resultHeader.MetadataLength]
	var metadata map[string]interface{}
	require.NoError(t, json.Unmarshal(metadataBytes, &metadata))
	assert.Equal(t, "plain", metadata["name"])
}
