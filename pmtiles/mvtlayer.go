package pmtiles

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/maptile"
)

// VectorFeature is one decoded Mapbox Vector Tile feature, reprojected
// from tile-local coordinates into WGS84 longitude/latitude.
type VectorFeature struct {
	LayerName  string
	Geometry   orb.Geometry
	Properties map[string]interface{}
}

// VectorLayer decodes MVT tiles from a Reader backed by an archive whose
// header declares TileType == Mvt. It is a thin collaborator: the Reader
// owns fetch/decompress, VectorLayer owns protobuf decoding and
// reprojection.
type VectorLayer struct {
	reader *Reader
}

// NewVectorLayer wraps reader. It does not itself validate the header's
// tile type; TileFeatures reports an error on first use against a
// non-vector archive instead, since Header() is cheap to check up front
// when the caller cares.
func NewVectorLayer(reader *Reader) *VectorLayer {
	return &VectorLayer{reader: reader}
}

// TileFeatures fetches tile (z, x, y), decodes it as MVT, and returns every
// feature across every layer with geometry reprojected to WGS84.
func (v *VectorLayer) TileFeatures(ctx context.Context, z uint8, x, y uint32) ([]VectorFeature, error) {
	header := v.reader.Header()
	if header.TileType != Mvt {
		return nil, newErr(Malformed, fmt.Sprintf("archive tile type is %s, not mvt", tileTypeToString(header.TileType)))
	}

	raw, err := v.reader.GetTile(ctx, z, x, y)
	if err != nil {
		return nil, err
	}

	layers, err := mvt.Unmarshal(raw)
	if err != nil {
		return nil, wrapErr(Malformed, "decode mvt tile", err)
	}

	tile := maptile.New(x, y, maptile.Zoom(z))
	layers.ProjectToWGS84(tile)

	var features []VectorFeature
	for _, layer := range layers {
		for _, feature := range layer.Features {
			props := make(map[string]interface{}, len(feature.Properties))
			for k, val := range feature.Properties {
				props[k] = val
			}
			features = append(features, VectorFeature{
				LayerName:  layer.Name,
				Geometry:   feature.Geometry,
				Properties: props,
			})
		}
	}
	return features, nil
}
