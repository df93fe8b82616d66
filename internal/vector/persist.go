package vector

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// File format (little-endian):
//
//	magic   uint32  'PVX1'
//	dim     uint32
//	count   uint32
//	entries count × (id int64, vector dim × float32)
//	crc     uint32  CRC32-IEEE over everything before it
//
// The checksum detects truncated or corrupted files at load time instead of
// letting a half-written index be searched.

const fileMagic uint32 = 0x31585650 // "PVX1"

// ErrChecksum is returned by Load when the file checksum does not match.
var ErrChecksum = errors.New("vector: index file checksum mismatch")

// Save persists the index to path atomically: the contents are written to a
// uniquely named temporary file in the same directory, fsynced, then renamed
// over the live path. A reader never observes a partially written file. On
// any failure the temporary file is removed before the error is returned.
func (x *FlatIndex) Save(path string) error {
	if path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create index dir: %w", err)
		}
	}

	tmp := fmt.Sprintf("%s.tmp-%s", path, uuid.NewString())
	if err := x.writeFile(tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace index file: %w", err)
	}
	return nil
}

func (x *FlatIndex) writeFile(path string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer f.Close()

	crc := crc32.NewIEEE()
	buf := bufio.NewWriter(io.MultiWriter(f, crc))

	for _, v := range []uint32{fileMagic, uint32(x.dim), uint32(len(x.ids))} {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	for i, id := range x.ids {
		if err := binary.Write(buf, binary.LittleEndian, id); err != nil {
			return fmt.Errorf("write id: %w", err)
		}
		if err := binary.Write(buf, binary.LittleEndian, x.vectors[i]); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("flush index: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, crc.Sum32()); err != nil {
		return fmt.Errorf("write checksum: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync index file: %w", err)
	}
	return nil
}

// Load reads the index from path, replacing the in-memory contents. The whole
// file is read into memory (indexes are process-local caches loaded wholesale
// on startup). The file dimension must match the index dimension. A missing
// file is not an error: the index is left empty (first run). A corrupted or
// truncated file fails with ErrChecksum.
func (x *FlatIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	if len(data) < 16 { // header + trailer minimum
		return fmt.Errorf("%w: %s", ErrChecksum, path)
	}

	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if binary.LittleEndian.Uint32(trailer) != crc32.ChecksumIEEE(body) {
		return fmt.Errorf("%w: %s", ErrChecksum, path)
	}

	r := bytes.NewReader(body)
	var magic, dim, count uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if magic != fileMagic {
		return fmt.Errorf("vector: %s is not an index file", path)
	}
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimension: %w", err)
	}
	if int(dim) != x.dim {
		return fmt.Errorf("%w: file has %d, index expects %d", ErrDimensionMismatch, dim, x.dim)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("read count: %w", err)
	}

	ids := make([]int64, 0, count)
	vectors := make([][]float32, 0, count)
	present := make(map[int64]struct{}, count)
	for i := uint32(0); i < count; i++ {
		var id int64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return fmt.Errorf("read id: %w", err)
		}
		vec := make([]float32, x.dim)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		ids = append(ids, id)
		vectors = append(vectors, vec)
		present[id] = struct{}{}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.ids = ids
	x.vectors = vectors
	x.present = present
	return nil
}
