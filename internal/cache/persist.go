package cache

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"iiifserv/internal/imaging"
)

// Index file layout, little endian throughout:
//
//	magic "IIFC", u16 version, u32 record count, then per record:
//	  canonical, origpath, cachepath as u16-length-prefixed strings,
//	  u32 img_w, u32 img_h,
//	  u32 nresolutions, nresolutions × 5 u32 (reduce, w, h, tile_w, tile_h),
//	  i64 mtime (ns), i64 access_time (ns), i64 fsize.
//
// The file is a volatile index: any parse failure discards it wholesale and
// the cache starts empty.

var indexMagic = [4]byte{'I', 'I', 'F', 'C'}

const indexVersion uint16 = 1

const maxStringLen = 4096

func loadIndex(path string) (map[string]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != indexMagic {
		return nil, errors.New("bad index magic")
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if version != indexVersion {
		return nil, fmt.Errorf("unsupported index version %d", version)
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("read count: %w", err)
	}

	records := make(map[string]*Record, count)
	for i := uint32(0); i < count; i++ {
		canonical, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		origPath, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		cachePath, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}

		var dims [2]uint32
		if err := binary.Read(r, binary.LittleEndian, &dims); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		var nres uint32
		if err := binary.Read(r, binary.LittleEndian, &nres); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if nres > 64 {
			return nil, fmt.Errorf("record %d: implausible resolution count %d", i, nres)
		}
		resolutions := make([]imaging.SubImageInfo, 0, nres)
		for j := uint32(0); j < nres; j++ {
			var fields [5]uint32
			if err := binary.Read(r, binary.LittleEndian, &fields); err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
			resolutions = append(resolutions, imaging.SubImageInfo{
				Reduce:     int(fields[0]),
				Width:      int(fields[1]),
				Height:     int(fields[2]),
				TileWidth:  int(fields[3]),
				TileHeight: int(fields[4]),
			})
		}
		var times [3]int64
		if err := binary.Read(r, binary.LittleEndian, &times); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		records[canonical] = &Record{
			ImgW:        int(dims[0]),
			ImgH:        int(dims[1]),
			Resolutions: resolutions,
			OrigPath:    origPath,
			CachePath:   cachePath,
			MTime:       time.Unix(0, times[0]),
			AccessTime:  time.Unix(0, times[1]),
			FSize:       times[2],
		}
	}
	return records, nil
}

func saveIndex(path string, records map[string]*Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	w := bufio.NewWriter(f)

	werr := func() error {
		if _, err := w.Write(indexMagic[:]); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, indexVersion); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(records))); err != nil {
			return err
		}
		for canonical, rec := range records {
			if err := writeString(w, canonical); err != nil {
				return err
			}
			if err := writeString(w, rec.OrigPath); err != nil {
				return err
			}
			if err := writeString(w, rec.CachePath); err != nil {
				return err
			}
			dims := [2]uint32{uint32(rec.ImgW), uint32(rec.ImgH)}
			if err := binary.Write(w, binary.LittleEndian, dims); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint32(len(rec.Resolutions))); err != nil {
				return err
			}
			for _, res := range rec.Resolutions {
				fields := [5]uint32{
					uint32(res.Reduce),
					uint32(res.Width),
					uint32(res.Height),
					uint32(res.TileWidth),
					uint32(res.TileHeight),
				}
				if err := binary.Write(w, binary.LittleEndian, fields); err != nil {
					return err
				}
			}
			times := [3]int64{rec.MTime.UnixNano(), rec.AccessTime.UnixNano(), rec.FSize}
			if err := binary.Write(w, binary.LittleEndian, times); err != nil {
				return err
			}
		}
		return w.Flush()
	}()

	if werr != nil {
		f.Close()
		return fmt.Errorf("write index: %w", werr)
	}
	return f.Close()
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if int(n) > maxStringLen {
		return "", fmt.Errorf("string length %d out of range", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > maxStringLen {
		return fmt.Errorf("string length %d out of range", len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}
