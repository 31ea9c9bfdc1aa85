package pmtiles

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"
	"time"
)

const maxVFSListing = 1 << 20

// VFS exposes a PMTiles archive as a read-only io/fs.FS tree:
//
//	pmtiles_header.json  - the parsed header, JSON-encoded
//	metadata.json        - the archive's metadata blob
//	{z}/{x}/{y}.{ext}     - each addressed tile, under its zoom/column/row
//
// This mirrors the /vsipmtiles/ virtual filesystem the reference GDAL
// driver installs, minus the process-wide registration machinery; a Go
// caller mounts one by holding onto a *VFS value instead of a global path
// prefix.
type VFS struct {
	reader *Reader
	ctx    context.Context
}

// NewVFS wraps reader as an fs.FS. ctx bounds every read the filesystem
// performs; a canceled ctx turns all subsequent operations into errors.
func NewVFS(ctx context.Context, reader *Reader) *VFS {
	return &VFS{reader: reader, ctx: ctx}
}

type vfsFile struct {
	name    string
	data    []byte
	off     int
	modTime time.Time
}

func (f *vfsFile) Stat() (fs.FileInfo, error) { return vfsFileInfo{f}, nil }
func (f *vfsFile) Read(p []byte) (int, error) {
	n := copy(p, f.data[f.off:])
	f.off += n
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}
func (f *vfsFile) Close() error { return nil }

// vfsTileExtension reports the filename extension for tiles in an archive
// with this header. A known TileType wins; otherwise it falls back to a
// compression-qualified ".bin" extension, matching
// VSIPMTilesGetTileExtension's behavior for an archive whose tile type is
// unrecorded.
func vfsTileExtension(header HeaderV3) string {
	if base := tileTypeToString(header.TileType); base != "" {
		return base
	}
	switch header.TileCompression {
	case Gzip:
		return "bin.gz"
	case Zstd:
		return "bin.zstd"
	default:
		return "bin"
	}
}

type vfsFileInfo struct{ f *vfsFile }

func (i vfsFileInfo) Name() string       { return i.f.name }
func (i vfsFileInfo) Size() int64        { return int64(len(i.f.data)) }
func (i vfsFileInfo) Mode() fs.FileMode  { return 0o444 }
func (i vfsFileInfo) ModTime() time.Time { return i.f.modTime }
func (i vfsFileInfo) IsDir() bool        { return false }
func (i vfsFileInfo) Sys() interface{}   { return nil }

func (vfs *VFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	if name == "pmtiles_header.json" {
		data, err := json.MarshalIndent(headerToJson(vfs.reader.Header()), "", "  ")
		if err != nil {
			return nil, err
		}
		return &vfsFile{name: name, data: data}, nil
	}

	if name == "metadata.json" {
		metadata, err := vfs.reader.Metadata(vfs.ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(metadata)
		if err != nil {
			return nil, err
		}
		return &vfsFile{name: name, data: data}, nil
	}

	z, x, y, ext, err := parseTilePath(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	header := vfs.reader.Header()
	if ext != "" && ext != vfsTileExtension(header) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}

	// Stored bytes, not decompressed: the VFS mirrors the archive's own
	// byte layout (matching ReadTileData's plain memcpy in the reference
	// driver), leaving decompression to the caller.
	data, err := vfs.reader.GetTileRaw(vfs.ctx, z, x, y)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return &vfsFile{name: name, data: data}, nil
}

// parseTilePath splits a "{z}/{x}/{y}.{ext}" path into its coordinates.
func parseTilePath(name string) (z uint8, x, y uint32, ext string, err error) {
	parts := strings.Split(name, "/")
	if len(parts) != 3 {
		return 0, 0, 0, "", fmt.Errorf("not a tile path: %s", name)
	}
	zi, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return 0, 0, 0, "", err
	}
	xi, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, 0, "", err
	}
	yPart := parts[2]
	dotExt := ""
	if idx := strings.IndexByte(yPart, '.'); idx >= 0 {
		dotExt = yPart[idx+1:]
		yPart = yPart[:idx]
	}
	yi, err := strconv.ParseUint(yPart, 10, 32)
	if err != nil {
		return 0, 0, 0, "", err
	}
	return uint8(zi), uint32(xi), uint32(yi), dotExt, nil
}

// ReadDir implements fs.ReadDirFS: listing the root returns the two
// synthetic files plus one directory per zoom level that has at least one
// tile; listing "{z}" returns each distinct x column; listing "{z}/{x}"
// returns each tile file under that column. Listings are capped at
// maxVFSListing entries, matching the format's own defensive bound on
// enumeration over an untrusted archive.
func (vfs *VFS) ReadDir(name string) ([]fs.DirEntry, error) {
	if name == "." {
		header := vfs.reader.Header()
		entries := []fs.DirEntry{
			vfsDirEntry{"pmtiles_header.json", false},
			vfsDirEntry{"metadata.json", false},
		}
		zooms := make(map[uint8]bool)
		err := vfs.reader.Iterate(vfs.ctx, func(z uint8, x, y uint32, data []byte) error {
			zooms[z] = true
			return nil
		})
		if err != nil {
			return nil, err
		}
		for z := header.MinZoom; ; z++ {
			if zooms[z] {
				entries = append(entries, vfsDirEntry{strconv.Itoa(int(z)), true})
			}
			if z == header.MaxZoom {
				break
			}
		}
		return entries, nil
	}

	parts := strings.Split(name, "/")
	switch len(parts) {
	case 1:
		z, err := strconv.ParseUint(parts[0], 10, 8)
		if err != nil {
			return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
		}
		xs := make(map[uint32]bool)
		count := 0
		err = vfs.reader.Iterate(vfs.ctx, func(tz uint8, x, y uint32, data []byte) error {
			if tz != uint8(z) {
				return nil
			}
			if !xs[x] {
				xs[x] = true
				count++
				if count > maxVFSListing {
					return newErr(ResourceLimit, "directory listing exceeds entry cap")
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		entries := make([]fs.DirEntry, 0, len(xs))
		for x := range xs {
			entries = append(entries, vfsDirEntry{strconv.Itoa(int(x)), true})
		}
		return entries, nil
	case 2:
		z, err1 := strconv.ParseUint(parts[0], 10, 8)
		x, err2 := strconv.ParseUint(parts[1], 10, 32)
		if err1 != nil || err2 != nil {
			return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
		}
		header := vfs.reader.Header()
		ext := vfsTileExtension(header)
		ys := make(map[uint32]bool)
		count := 0
		err := vfs.reader.Iterate(vfs.ctx, func(tz uint8, tx, ty uint32, data []byte) error {
			if tz != uint8(z) || tx != uint32(x) {
				return nil
			}
			if !ys[ty] {
				ys[ty] = true
				count++
				if count > maxVFSListing {
					return newErr(ResourceLimit, "directory listing exceeds entry cap")
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		entries := make([]fs.DirEntry, 0, len(ys))
		for y := range ys {
			fname := strconv.Itoa(int(y)) + "." + ext
			entries = append(entries, vfsDirEntry{fname, false})
		}
		return entries, nil
	}
	return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
}

type vfsDirEntry struct {
	name  string
	isDir bool
}

func (e vfsDirEntry) Name() string { return e.name }
func (e vfsDirEntry) IsDir() bool  { return e.isDir }
func (e vfsDirEntry) Type() fs.FileMode {
	if e.isDir {
		return fs.ModeDir
	}
	return 0
}
func (e vfsDirEntry) Info() (fs.FileInfo, error) {
	return vfsFileInfo{&vfsFile{name: e.name}}, nil
}
