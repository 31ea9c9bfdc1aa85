package pmtiles

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Decompress inflates data compressed with the given Compression algorithm.
// NoCompression returns data unchanged. UnknownCompression is rejected: a
// caller that reaches this point with an Unknown byte has a malformed
// header, not an absent-but-legal value.
func Decompress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case NoCompression:
		return data, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, wrapErr(DecompressError, "gzip", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, wrapErr(DecompressError, "gzip", err)
		}
		return out, nil
	case Zstd:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, wrapErr(DecompressError, "zstd", err)
		}
		defer dec.Close()
		out, err := io.ReadAll(dec)
		if err != nil {
			return nil, wrapErr(DecompressError, "zstd", err)
		}
		return out, nil
	case Brotli:
		r := brotli.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, wrapErr(DecompressError, "brotli", err)
		}
		return out, nil
	default:
		return nil, newErr(UnsupportedCompression, fmt.Sprintf("compression byte %d", compression))
	}
}

// Compress compresses data with the given Compression algorithm at the
// implementation's default quality setting. NoCompression returns data
// unchanged.
func Compress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case NoCompression:
		return data, nil
	case Gzip:
		var b bytes.Buffer
		w, err := gzip.NewWriterLevel(&b, gzip.BestCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	case Zstd:
		var b bytes.Buffer
		w, err := zstd.NewWriter(&b, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	case Brotli:
		var b bytes.Buffer
		w := brotli.NewWriterLevel(&b, brotli.BestCompression)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	default:
		return nil, newErr(UnsupportedCompression, fmt.Sprintf("compression byte %d", compression))
	}
}

// isGzipped reports whether data already carries a gzip magic header, the
// same sniff the resolver uses to avoid double-compressing source tiles
// that are already gzip-encoded (e.g. MVT exported pre-gzipped by most
// tile generators).
func isGzipped(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
