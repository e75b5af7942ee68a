package qwen3

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"
)

const archiveHeaderLenBytes = 8

// TensorRecord describes one tensor entry from a weight archive header.
type TensorRecord struct {
	DType string
	Shape []int
	Begin uint64
	End   uint64
}

// Archive is a memory-mapped (or plain-read, when useMmap is false) weight
// store: an 8-byte little-endian header length, an order-preserving JSON
// header, and a contiguous tensor data region.
type Archive struct {
	path       string
	data       []byte // full file contents (mmapped or read)
	body       []byte // tensor data region, i.e. data[8+headerLen:]
	mmapped    bool
	order      []string
	records    map[string]TensorRecord
	metadata   map[string]string
	HeaderHash uint64
}

// Open reads the archive header at path and maps (or reads) the tensor
// data region.
func Open(path string, useMmap bool) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newErrf(KindIO, "open %s: %v", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, newErrf(KindIO, "stat %s: %v", path, err)
	}
	size := stat.Size()
	if size < archiveHeaderLenBytes {
		return nil, newErrf(KindHeader, "%s: file too small for header", path)
	}

	var lenBuf [archiveHeaderLenBytes]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, newErrf(KindIO, "read header length: %v", err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if int64(headerLen) < 0 || archiveHeaderLenBytes+int64(headerLen) > size {
		return nil, newErrf(KindHeader, "%s: header length %d exceeds file size", path, headerLen)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, newErrf(KindIO, "read header body: %v", err)
	}

	order, records, metadata, err := parseHeader(headerBytes)
	if err != nil {
		return nil, err
	}

	bodyStart := archiveHeaderLenBytes + int64(headerLen)
	bodyLen := size - bodyStart
	for name, rec := range records {
		if rec.End < rec.Begin || int64(rec.End) > bodyLen {
			return nil, newErrf(KindHeader, "tensor %q byte range [%d,%d) outside body of size %d", name, rec.Begin, rec.End, bodyLen)
		}
	}

	if useMmap {
		mapped, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
		if err == nil {
			return &Archive{
				path:       path,
				data:       mapped,
				body:       mapped[bodyStart:],
				mmapped:    true,
				order:      order,
				records:    records,
				metadata:   metadata,
				HeaderHash: xxhash.Sum64(headerBytes),
			}, nil
		}
		// fall through to plain read on mmap failure
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, newErrf(KindIO, "seek: %v", err)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, newErrf(KindIO, "read body: %v", err)
	}
	return &Archive{
		path:       path,
		data:       data,
		body:       data[bodyStart:],
		mmapped:    false,
		order:      order,
		records:    records,
		metadata:   metadata,
		HeaderHash: xxhash.Sum64(headerBytes),
	}, nil
}

// Close releases the mapping, if any.
func (a *Archive) Close() error {
	if a == nil || a.data == nil {
		return nil
	}
	var err error
	if a.mmapped {
		err = unix.Munmap(a.data)
	}
	a.data = nil
	a.body = nil
	return err
}

// Keys returns tensor names in their original header insertion order.
func (a *Archive) Keys() []string { return a.order }

// Lookup returns the tensor record for name, if present.
func (a *Archive) Lookup(name string) (TensorRecord, bool) {
	rec, ok := a.records[name]
	return rec, ok
}

// ByteSize returns the byte length of the named tensor's data region.
func (a *Archive) ByteSize(name string) (uint64, error) {
	rec, ok := a.records[name]
	if !ok {
		return 0, newErrf(KindHeader, "unknown tensor %q", name)
	}
	return rec.End - rec.Begin, nil
}

// ViewF32 returns a borrowed, read-only view over the named tensor. The
// tensor must be declared F32 in the header; the engine consumes no other
// dtype.
func (a *Archive) ViewF32(name string) (*View, error) {
	rec, ok := a.records[name]
	if !ok {
		return nil, newErrf(KindHeader, "missing required tensor %q", name)
	}
	if rec.DType != "F32" {
		return nil, newErrf(KindHeader, "tensor %q has dtype %q, want F32", name, rec.DType)
	}
	raw := a.body[rec.Begin:rec.End]
	n := elementCount(rec.Shape)
	if uint64(n)*4 != rec.End-rec.Begin {
		return nil, newErrf(KindHeader, "tensor %q shape %v inconsistent with byte range", name, rec.Shape)
	}
	data := unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), n)
	return BorrowView(data, rec.Shape, a.mmapped), nil
}

// parseHeader walks the safetensors JSON header with a streaming token
// decoder rather than unmarshalling into map[string]T, which would lose the
// key order the format's consumers rely on for reproducible enumeration.
func parseHeader(raw []byte) (order []string, records map[string]TensorRecord, metadata map[string]string, err error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	records = make(map[string]TensorRecord)

	tok, err := dec.Token()
	if err != nil {
		return nil, nil, nil, newErrf(KindHeader, "header is not a JSON object: %v", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, nil, newErrf(KindHeader, "header must begin with '{'")
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, nil, newErrf(KindHeader, "reading tensor name: %v", err)
		}
		name, ok := keyTok.(string)
		if !ok {
			return nil, nil, nil, newErrf(KindHeader, "expected string key, got %v", keyTok)
		}

		if name == "__metadata__" {
			var m map[string]string
			if err := dec.Decode(&m); err != nil {
				return nil, nil, nil, newErrf(KindHeader, "decoding __metadata__: %v", err)
			}
			metadata = m
			continue
		}

		var raw struct {
			DType       string   `json:"dtype"`
			Shape       []int    `json:"shape"`
			DataOffsets [2]int64 `json:"data_offsets"`
		}
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, nil, newErrf(KindHeader, "decoding tensor %q: %v", name, err)
		}
		if raw.DataOffsets[0] < 0 || raw.DataOffsets[1] < raw.DataOffsets[0] {
			return nil, nil, nil, newErrf(KindHeader, "tensor %q has invalid data_offsets %v", name, raw.DataOffsets)
		}
		for _, d := range raw.Shape {
			if d < 0 {
				return nil, nil, nil, newErrf(KindHeader, "tensor %q has negative shape dimension", name)
			}
		}

		order = append(order, name)
		records[name] = TensorRecord{
			DType: raw.DType,
			Shape: raw.Shape,
			Begin: uint64(raw.DataOffsets[0]),
			End:   uint64(raw.DataOffsets[1]),
		}
	}

	closeTok, err := dec.Token()
	if err != nil {
		return nil, nil, nil, newErrf(KindHeader, "malformed header tail: %v", err)
	}
	if delim, ok := closeTok.(json.Delim); !ok || delim != '}' {
		return nil, nil, nil, newErrf(KindHeader, "header must end with '}'")
	}

	return order, records, metadata, nil
}
