// Package packfile implements the warm, append-only pack tier: a pack
// file of zstd-compressed, msgpack-enveloped object records plus an
// in-memory offset index loaded at open, per spec.md §4.2.
package packfile

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hazelnut-vcs/svnbridge/internal/logging"
	"github.com/hazelnut-vcs/svnbridge/internal/objects"
)

var log = logging.For("packfile")

const headerMagicVersion uint32 = 1

// header is the fixed-size pack header: {version, object_count}.
type header struct {
	Version     uint32
	ObjectCount uint32
}

const headerSize = 8 // 2 x uint32, little-endian

// record is one object's on-disk record: {type, original_size, object_id,
// compressed_size, zstd_compressed_bytes}.
type recordHeader struct {
	Type           uint8
	OriginalSize   uint32
	ObjectId       objects.ObjectId
	CompressedSize uint32
}

const recordHeaderSize = 1 + 4 + 32 + 4

// Location is where one object lives inside a pack: its byte offset and
// on-disk (compressed) length, the same shape as the teacher's
// repository/state Location{Packfile,Offset,Length}.
type Location struct {
	Offset uint64
	Length uint32
}

// Writer appends object records to a new pack file. A Writer is not
// safe for concurrent use; callers serialize writes (Store.Compact, the
// one caller, creates and closes each writer while holding the store's
// mutex).
type Writer struct {
	f       *os.File
	bw      *bufio.Writer
	enc     *zstd.Encoder
	count   uint32
	written uint64 // bytes written after the header, used to compute offsets
}

// Create opens a new, empty pack file at path and reserves space for the
// header, which is patched in by Close once the object count is known.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "packfile: create %s", path)
	}
	if _, err := f.Write(make([]byte, headerSize)); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "packfile: reserve header")
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "packfile: new zstd encoder")
	}
	return &Writer{f: f, bw: bufio.NewWriter(f), enc: enc, written: 0}, nil
}

// AddObject compresses data independently and appends it as one record,
// returning its Location within this pack.
func (w *Writer) AddObject(kind objects.Kind, id objects.ObjectId, data []byte) (Location, error) {
	compressed := w.enc.EncodeAll(data, nil)

	rh := recordHeader{
		Type:           uint8(kind) + 1,
		OriginalSize:   uint32(len(data)),
		ObjectId:       id,
		CompressedSize: uint32(len(compressed)),
	}

	buf := make([]byte, recordHeaderSize)
	buf[0] = rh.Type
	binary.LittleEndian.PutUint32(buf[1:5], rh.OriginalSize)
	copy(buf[5:37], rh.ObjectId[:])
	binary.LittleEndian.PutUint32(buf[37:41], rh.CompressedSize)

	loc := Location{Offset: headerSize + w.written, Length: uint32(len(buf) + len(compressed))}

	if _, err := w.bw.Write(buf); err != nil {
		return Location{}, errors.Wrap(err, "packfile: write record header")
	}
	if _, err := w.bw.Write(compressed); err != nil {
		return Location{}, errors.Wrap(err, "packfile: write record body")
	}

	w.written += uint64(len(buf) + len(compressed))
	w.count++
	return loc, nil
}

// Close flushes the writer, patches the header with the final object
// count, and fsyncs the file — the durable-write boundary for the
// objects Store.Compact promotes out of the hot tier.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		return errors.Wrap(err, "packfile: flush")
	}
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], headerMagicVersion)
	binary.LittleEndian.PutUint32(hdr[4:8], w.count)
	if _, err := w.f.WriteAt(hdr, 0); err != nil {
		return errors.Wrap(err, "packfile: patch header")
	}
	if err := w.f.Sync(); err != nil {
		return errors.Wrap(err, "packfile: fsync")
	}
	return w.f.Close()
}

// Reader provides random-access reads into a pack file by Location, and
// rebuilds the in-memory offset index at Open by scanning records.
type Reader struct {
	f   *os.File
	dec *zstd.Decoder
}

// Open loads the pack at path and returns it along with the index built
// by scanning every record once.
func Open(path string) (*Reader, map[objects.ObjectId]Location, error) {
	r, err := openReader(path)
	if err != nil {
		return nil, nil, err
	}
	idx, err := r.scan()
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	return r, idx, nil
}

// OpenWithIndex loads the pack at path like Open, but trusts the given
// index instead of rescanning every record -- the index snapshot a
// higher layer persisted alongside the pack via WriteIndex/ReadIndex.
func OpenWithIndex(path string, idx map[objects.ObjectId]Location) (*Reader, error) {
	return openReader(path)
}

func openReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "packfile: open %s", path)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "packfile: new zstd decoder")
	}
	return &Reader{f: f, dec: dec}, nil
}

// scan walks every record, tolerating a truncated tail (a crash mid-write):
// an incomplete trailing record is treated as absent, not corrupt, per
// spec.md §4.2's failure model.
func (r *Reader) scan() (map[objects.ObjectId]Location, error) {
	idx := make(map[objects.ObjectId]Location)

	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r.f, hdr); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return idx, nil // an empty pack is legal
		}
		return nil, errors.Wrap(err, "packfile: read header")
	}
	declaredCount := binary.LittleEndian.Uint32(hdr[4:8])

	offset := uint64(headerSize)
	var n uint32
	for n < declaredCount {
		rhBuf := make([]byte, recordHeaderSize)
		if _, err := io.ReadFull(r.f, rhBuf); err != nil {
			log.Warn("pack truncated after %d/%d records: %v", n, declaredCount, err)
			break
		}
		var id objects.ObjectId
		copy(id[:], rhBuf[5:37])
		compressedSize := binary.LittleEndian.Uint32(rhBuf[37:41])

		if _, err := r.f.Seek(int64(compressedSize), io.SeekCurrent); err != nil {
			log.Warn("pack truncated seeking past record %d: %v", n, err)
			break
		}

		idx[id] = Location{Offset: offset, Length: uint32(recordHeaderSize) + compressedSize}
		offset += uint64(recordHeaderSize) + uint64(compressedSize)
		n++
	}
	return idx, nil
}

// ReadAt decompresses and returns the object stored at loc.
func (r *Reader) ReadAt(loc Location) ([]byte, error) {
	buf := make([]byte, loc.Length)
	if _, err := r.f.ReadAt(buf, int64(loc.Offset)); err != nil {
		return nil, errors.Wrap(err, "packfile: read record")
	}
	compressed := buf[recordHeaderSize:]
	data, err := r.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "packfile: decompress record")
	}
	return data, nil
}

func (r *Reader) Close() error {
	r.dec.Close()
	return r.f.Close()
}

// EncodeIndexEntry and DecodeIndexEntry are the per-entry primitive
// WriteIndex/ReadIndex use to persist a compact snapshot of a pack's
// index alongside the pack file, so a process restart can skip
// rescanning every record.
func EncodeIndexEntry(loc Location) ([]byte, error) {
	return msgpack.Marshal(&loc)
}

func DecodeIndexEntry(b []byte) (Location, error) {
	var loc Location
	if err := msgpack.Unmarshal(b, &loc); err != nil {
		return Location{}, err
	}
	return loc, nil
}

const idxMagic uint32 = 0x1dec0de1

// WriteIndex persists idx as a snapshot at path (conventionally the
// pack's path with its ".pack" extension swapped for ".idx"), fsynced
// before return since Compact calls this on the same durability
// boundary as the pack file itself.
func WriteIndex(path string, idx map[objects.ObjectId]Location) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "packfile: create index %s", path)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint32(hdr, idxMagic)
	if _, err := bw.Write(hdr); err != nil {
		return errors.Wrap(err, "packfile: write index header")
	}
	for id, loc := range idx {
		enc, err := EncodeIndexEntry(loc)
		if err != nil {
			return errors.Wrap(err, "packfile: encode index entry")
		}
		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(enc)))
		if _, err := bw.Write(id[:]); err != nil {
			return errors.Wrap(err, "packfile: write index id")
		}
		if _, err := bw.Write(lenBuf); err != nil {
			return errors.Wrap(err, "packfile: write index entry length")
		}
		if _, err := bw.Write(enc); err != nil {
			return errors.Wrap(err, "packfile: write index entry")
		}
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "packfile: flush index")
	}
	return f.Sync()
}

// ReadIndex loads a snapshot written by WriteIndex. Any error (missing
// file, truncated file, bad magic) should send the caller back to
// rebuilding the index from the pack itself via Open.
func ReadIndex(path string) (map[objects.ObjectId]Location, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, errors.Wrap(err, "packfile: read index header")
	}
	if binary.LittleEndian.Uint32(hdr) != idxMagic {
		return nil, errors.New("packfile: bad index magic")
	}

	idx := make(map[objects.ObjectId]Location)
	for {
		var id objects.ObjectId
		if _, err := io.ReadFull(br, id[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(err, "packfile: read index id")
		}
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(br, lenBuf); err != nil {
			return nil, errors.Wrap(err, "packfile: read index entry length")
		}
		enc := make([]byte, binary.LittleEndian.Uint32(lenBuf))
		if _, err := io.ReadFull(br, enc); err != nil {
			return nil, errors.Wrap(err, "packfile: read index entry")
		}
		loc, err := DecodeIndexEntry(enc)
		if err != nil {
			return nil, errors.Wrap(err, "packfile: decode index entry")
		}
		idx[id] = loc
	}
	return idx, nil
}

// IndexPath derives the conventional ".idx" snapshot path for a pack
// file path.
func IndexPath(packPath string) string {
	return strings.TrimSuffix(packPath, filepath.Ext(packPath)) + ".idx"
}
