package pmtiles

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/require"
)

func buildMvtFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	tile := maptile.New(0, 0, 0)
	feature := geojson.NewFeature(orb.Point{10, 20})
	feature.Properties = geojson.Properties{"name": "test-point"}

	layers := mvt.Layers{
		&mvt.Layer{
			Name:     "points",
			Version:  2,
			Extent:   4096,
			Features: []*geojson.Feature{feature},
		},
	}
	layers.ProjectToTile(tile)
	tileBytes, err := mvt.Marshal(layers)
	require.NoError(t, err)

	sink, err := NewFileScratchSink(dir)
	require.NoError(t, err)
	w := NewWriter(nil, sink, Gzip, HeaderV3{MinZoom: 0, MaxZoom: 0, TileType: Mvt})
	require.NoError(t, w.AddTile(0, 0, 0, tileBytes))

	path := filepath.Join(dir, "vector.pmtiles")
	require.NoError(t, w.Finalize(path, map[string]interface{}{"name": "mvt-fixture"}))
	return path
}

func TestVectorLayerTileFeatures(t *testing.T) {
	path := buildMvtFixture(t)
	r := openReaderFixture(t, path)
	defer r.Close()

	v := NewVectorLayer(r)
	features, err := v.TileFeatures(context.Background(), 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, features, 1)
	require.Equal(t, "points", features[0].LayerName)
	require.Equal(t, "test-point", features[0].Properties["name"])
}

func TestVectorLayerRejectsNonMvtArchive(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileScratchSink(dir)
	require.NoError(t, err)
	w := NewWriter(nil, sink, Gzip, HeaderV3{MinZoom: 0, MaxZoom: 0, TileType: Png})
	require.NoError(t, w.AddTile(0, 0, 0, []byte{0x89, 0x50, 0x4e, 0x47}))
	path := filepath.Join(dir, "raster.pmtiles")
	require.NoError(t, w.Finalize(path, map[string]interface{}{}))

	r := openReaderFixture(t, path)
	defer r.Close()

	v := NewVectorLayer(r)
	_, err = v.TileFeatures(context.Background(), 0, 0, 0)
	require.Error(t, err)
}
