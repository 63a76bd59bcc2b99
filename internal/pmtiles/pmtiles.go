// Package pmtiles writes single-directory PMTiles v3 archives.
//
// Only what an archive of exported raster tiles needs is here: header and
// directory encoding, tile IDs on the Hilbert curve, and a Writer that lays
// out header, root directory, metadata and tile data in one file.
//
// Format: https://github.com/protomaps/PMTiles/blob/main/spec/v3/spec.md
package pmtiles

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
)

// Compression is the compression algorithm applied to tiles or directories.
type Compression uint8

const (
	UnknownCompression Compression = 0
	NoCompression      Compression = 1
	Gzip               Compression = 2
)

// TileType is the format of individual tile contents.
type TileType uint8

const (
	UnknownTileType TileType = 0
	Mvt             TileType = 1
	Png             TileType = 2
	Jpeg            TileType = 3
	Webp            TileType = 4
)

// HeaderLen is the size of the fixed binary header.
const HeaderLen = 127

var magic = []byte("PMTiles")

// Header is the PMTiles v3 header.
type Header struct {
	RootOffset, RootLength         uint64
	MetadataOffset, MetadataLength uint64
	LeafOffset, LeafLength         uint64
	TileDataOffset, TileDataLength uint64
	AddressedTiles                 uint64
	TileEntries                    uint64
	TileContents                   uint64
	Clustered                      bool
	InternalCompression            Compression
	TileCompression                Compression
	TileType                       TileType
	MinZoom, MaxZoom               uint8
	MinLonE7, MinLatE7             int32
	MaxLonE7, MaxLatE7             int32
	CenterZoom                     uint8
	CenterLonE7, CenterLatE7       int32
}

// Entry is one run of tiles in a directory.
type Entry struct {
	TileID    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

// TileID converts z/x/y to the position on the Hilbert curve.
func TileID(z uint8, x, y uint32) uint64 {
	var acc uint64 = (1<<(uint(z)*2) - 1) / 3
	for s := uint32(1) << z >> 1; s > 0; s >>= 1 {
		rx, ry := s&x, s&y
		acc += uint64(s) * uint64(s) * uint64((3*boolBit(rx))^boolBit(ry))
		x, y = rotate(s, x, y, rx, ry)
	}
	return acc
}

func boolBit(v uint32) uint32 {
	if v > 0 {
		return 1
	}
	return 0
}

func rotate(n, x, y, rx, ry uint32) (uint32, uint32) {
	if ry == 0 {
		if rx != 0 {
			x = n - 1 - x
			y = n - 1 - y
		}
		return y, x
	}
	return x, y
}

// MarshalBinary encodes the header in its 127 byte layout.
func (h Header) MarshalBinary() ([]byte, error) {
	le := binary.LittleEndian
	b := make([]byte, 0, HeaderLen)
	b = append(b, magic...)
	b = append(b, 3)
	for _, v := range []uint64{
		h.RootOffset, h.RootLength, h.MetadataOffset, h.MetadataLength,
		h.LeafOffset, h.LeafLength, h.TileDataOffset, h.TileDataLength,
		h.AddressedTiles, h.TileEntries, h.TileContents,
	} {
		b = le.AppendUint64(b, v)
	}
	var clustered byte
	if h.Clustered {
		clustered = 1
	}
	b = append(b, clustered, byte(h.InternalCompression), byte(h.TileCompression), byte(h.TileType), h.MinZoom, h.MaxZoom)
	for _, v := range []int32{h.MinLonE7, h.MinLatE7, h.MaxLonE7, h.MaxLatE7} {
		b = le.AppendUint32(b, uint32(v))
	}
	b = append(b, h.CenterZoom)
	b = le.AppendUint32(b, uint32(h.CenterLonE7))
	b = le.AppendUint32(b, uint32(h.CenterLatE7))
	return b, nil
}

// UnmarshalBinary decodes a header.
func (h *Header) UnmarshalBinary(d []byte) error {
	if len(d) < HeaderLen {
		return errors.New("buffer too small for header")
	}
	if !bytes.Equal(d[:7], magic) {
		return errors.New("magic number not detected")
	}
	if d[7] != 3 {
		return fmt.Errorf("unsupported spec version %d", d[7])
	}
	le := binary.LittleEndian
	u := func(i int) uint64 { return le.Uint64(d[8+8*i:]) }
	i32 := func(off int) int32 { return int32(le.Uint32(d[off:])) }

	h.RootOffset, h.RootLength = u(0), u(1)
	h.MetadataOffset, h.MetadataLength = u(2), u(3)
	h.LeafOffset, h.LeafLength = u(4), u(5)
	h.TileDataOffset, h.TileDataLength = u(6), u(7)
	h.AddressedTiles, h.TileEntries, h.TileContents = u(8), u(9), u(10)
	h.Clustered = d[96] == 1
	h.InternalCompression = Compression(d[97])
	h.TileCompression = Compression(d[98])
	h.TileType = TileType(d[99])
	h.MinZoom, h.MaxZoom = d[100], d[101]
	h.MinLonE7, h.MinLatE7 = i32(102), i32(106)
	h.MaxLonE7, h.MaxLatE7 = i32(110), i32(114)
	h.CenterZoom = d[118]
	h.CenterLonE7, h.CenterLatE7 = i32(119), i32(123)
	return nil
}

// compress applies c to data.
func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
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
	default:
		return nil, fmt.Errorf("compression %d not supported", c)
	}
}

// EncodeDirectory serializes directory entries (sorted by TileID).
func EncodeDirectory(entries []Entry, c Compression) ([]byte, error) {
	var b []byte
	b = binary.AppendUvarint(b, uint64(len(entries)))
	var last uint64
	for _, e := range entries {
		b = binary.AppendUvarint(b, e.TileID-last)
		last = e.TileID
	}
	for _, e := range entries {
		b = binary.AppendUvarint(b, uint64(e.RunLength))
	}
	for _, e := range entries {
		b = binary.AppendUvarint(b, uint64(e.Length))
	}
	for i, e := range entries {
		if i > 0 && e.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			b = binary.AppendUvarint(b, 0)
		} else {
			b = binary.AppendUvarint(b, e.Offset+1)
		}
	}
	return compress(b, c)
}

// Writer collects tiles in memory and writes a clustered archive.
type Writer struct {
	tileType    TileType
	compression Compression
	tiles       map[uint64][]byte
	zooms       [2]uint8
	hasTiles    bool
}

// NewWriter creates a writer for tiles of the given type, stored as-is with
// the given tile compression.
func NewWriter(tileType TileType, tileCompression Compression) *Writer {
	return &Writer{tileType: tileType, compression: tileCompression, tiles: map[uint64][]byte{}}
}

// Add stores the contents of tile z/x/y.
func (w *Writer) Add(z uint8, x, y uint32, data []byte) {
	w.tiles[TileID(z, x, y)] = data
	if !w.hasTiles || z < w.zooms[0] {
		w.zooms[0] = z
	}
	if !w.hasTiles || z > w.zooms[1] {
		w.zooms[1] = z
	}
	w.hasTiles = true
}

// Len returns the number of tiles added.
func (w *Writer) Len() int {
	return len(w.tiles)
}

// Bounds describes the geographic extent written into the header.
type Bounds struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

func e7(v float64) int32 {
	return int32(v * 1e7)
}

// WriteTo writes the archive. Tiles are laid out in TileID order.
func (w *Writer) WriteTo(out io.Writer, bounds Bounds, metadata map[string]any) (int64, error) {
	if len(w.tiles) == 0 {
		return 0, errors.New("no tiles to write")
	}

	ids := make([]uint64, 0, len(w.tiles))
	for id := range w.tiles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var data bytes.Buffer
	entries := make([]Entry, len(ids))
	for i, id := range ids {
		t := w.tiles[id]
		entries[i] = Entry{TileID: id, Offset: uint64(data.Len()), Length: uint32(len(t)), RunLength: 1}
		data.Write(t)
	}

	root, err := EncodeDirectory(entries, Gzip)
	if err != nil {
		return 0, fmt.Errorf("encoding directory: %w", err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("encoding metadata: %w", err)
	}
	meta, err := compress(metaJSON, Gzip)
	if err != nil {
		return 0, fmt.Errorf("compressing metadata: %w", err)
	}

	h := Header{
		RootOffset:          HeaderLen,
		RootLength:          uint64(len(root)),
		MetadataOffset:      HeaderLen + uint64(len(root)),
		MetadataLength:      uint64(len(meta)),
		TileDataOffset:      HeaderLen + uint64(len(root)) + uint64(len(meta)),
		TileDataLength:      uint64(data.Len()),
		AddressedTiles:      uint64(len(entries)),
		TileEntries:         uint64(len(entries)),
		TileContents:        uint64(len(entries)),
		Clustered:           true,
		InternalCompression: Gzip,
		TileCompression:     w.compression,
		TileType:            w.tileType,
		MinZoom:             w.zooms[0],
		MaxZoom:             w.zooms[1],
		MinLonE7:            e7(bounds.MinLon),
		MinLatE7:            e7(bounds.MinLat),
		MaxLonE7:            e7(bounds.MaxLon),
		MaxLatE7:            e7(bounds.MaxLat),
		CenterZoom:          w.zooms[0],
		CenterLonE7:         e7((bounds.MinLon + bounds.MaxLon) / 2),
		CenterLatE7:         e7((bounds.MinLat + bounds.MaxLat) / 2),
	}
	hdr, _ := h.MarshalBinary()

	var n int64
	for _, part := range [][]byte{hdr, root, meta, data.Bytes()} {
		m, err := out.Write(part)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
