package wal

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/docker/go-units"
	"github.com/pierrec/lz4"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap-incubator/tinytxn/kv/util"
	"github.com/pingcap-incubator/tinytxn/kv/util/codec"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	segmentSuffix = ".seg"

	segmentRaw byte = 0
	segmentLZ4 byte = 1
)

// SegmentInfo describes one archived segment file.
type SegmentInfo struct {
	First types.LSN
	Last  types.LSN
	Path  string
	// Size is the size of the file on disk.
	Size uint64
}

func (s SegmentInfo) String() string {
	return fmt.Sprintf("[%d, %d] %s", s.First, s.Last, units.HumanSize(float64(s.Size)))
}

// Archive copies log entries into immutable, LZ4 compressed segment files.
// Media recovery replays the archive followed by the live log.
type Archive struct {
	dir         string
	segmentSize int64

	mu           sync.Mutex
	segments     []SegmentInfo
	lastArchived *atomic.Uint64
}

// OpenArchive opens the archive in dir. segmentSize bounds the uncompressed
// size of a segment; a single entry larger than that gets a segment of its own.
func OpenArchive(dir string, segmentSize int64) (*Archive, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.WithStack(err)
	}
	a := &Archive{dir: dir, segmentSize: segmentSize, lastArchived: atomic.NewUint64(0)}
	files, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), segmentSuffix) {
			continue
		}
		var first, last uint64
		if _, err := fmt.Sscanf(f.Name(), "%016x-%016x"+segmentSuffix, &first, &last); err != nil {
			log.Warn("skip unrecognized file in wal archive", zap.String("file", f.Name()))
			continue
		}
		a.segments = append(a.segments, SegmentInfo{
			First: types.LSN(first),
			Last:  types.LSN(last),
			Path:  filepath.Join(dir, f.Name()),
			Size:  uint64(f.Size()),
		})
	}
	sort.Slice(a.segments, func(i, j int) bool { return a.segments[i].First < a.segments[j].First })
	if n := len(a.segments); n > 0 {
		a.lastArchived.Store(uint64(a.segments[n-1].Last))
	}
	return a, nil
}

func (a *Archive) LastArchivedLSN() types.LSN {
	return types.LSN(a.lastArchived.Load())
}

func (a *Archive) Segments() []SegmentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SegmentInfo(nil), a.segments...)
}

// ArchiveFrom copies every entry of m not archived yet and returns the
// number of segments written.
func (a *Archive) ArchiveFrom(m *Manager) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries, err := m.ReadFrom(a.LastArchivedLSN() + 1)
	if err != nil {
		return 0, errors.Trace(err)
	}
	written := 0
	var (
		buf   []byte
		first types.LSN
	)
	flush := func(last types.LSN) error {
		if len(buf) == 0 {
			return nil
		}
		if err := a.writeSegment(first, last, buf); err != nil {
			return err
		}
		written++
		buf = buf[:0]
		return nil
	}
	for i, e := range entries {
		if len(buf) == 0 {
			first = e.LSN
		}
		buf = append(buf, MarshalEntry(e, EncodeRecord(e.Record))...)
		if int64(len(buf)) >= a.segmentSize || i == len(entries)-1 {
			if err := flush(e.LSN); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (a *Archive) writeSegment(first, last types.LSN, raw []byte) error {
	data := compressSegment(raw)
	name := fmt.Sprintf("%016x-%016x%s", uint64(first), uint64(last), segmentSuffix)
	path := filepath.Join(a.dir, name)
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, data, 0644); err != nil {
		return errors.WithStack(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.WithStack(err)
	}
	size, err := util.GetFileSize(path)
	if err != nil {
		return err
	}
	info := SegmentInfo{First: first, Last: last, Path: path, Size: size}
	a.segments = append(a.segments, info)
	a.lastArchived.Store(uint64(last))
	walArchivedSegmentCounter.Inc()
	log.Info("archived wal segment", zap.Stringer("segment", info), zap.String("raw", units.HumanSize(float64(len(raw)))))
	return nil
}

// ReadFrom returns every archived entry at or after lsn.
func (a *Archive) ReadFrom(lsn types.LSN) ([]*Entry, error) {
	var entries []*Entry
	for _, seg := range a.Segments() {
		if seg.Last < lsn {
			continue
		}
		segEntries, err := readSegment(seg.Path)
		if err != nil {
			return nil, err
		}
		for _, e := range segEntries {
			if e.LSN >= lsn {
				entries = append(entries, e)
			}
		}
	}
	return entries, nil
}

// TruncateAfter drops archived entries after lsn, rewriting the segment that
// straddles it.
func (a *Archive) TruncateAfter(lsn types.LSN) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.segments[:0]
	var straddle *SegmentInfo
	for i := range a.segments {
		seg := a.segments[i]
		switch {
		case seg.Last <= lsn:
			kept = append(kept, seg)
		case seg.First > lsn:
			if _, err := util.DeleteFileIfExists(seg.Path); err != nil {
				return err
			}
		default:
			s := seg
			straddle = &s
		}
	}
	a.segments = kept
	a.lastArchived.Store(0)
	if n := len(kept); n > 0 {
		a.lastArchived.Store(uint64(kept[n-1].Last))
	}
	if straddle == nil {
		return nil
	}
	entries, err := readSegment(straddle.Path)
	if err != nil {
		return err
	}
	if _, err := util.DeleteFileIfExists(straddle.Path); err != nil {
		return err
	}
	var raw []byte
	var last types.LSN
	for _, e := range entries {
		if e.LSN > lsn {
			break
		}
		raw = append(raw, MarshalEntry(e, EncodeRecord(e.Record))...)
		last = e.LSN
	}
	if len(raw) == 0 {
		return nil
	}
	return a.writeSegment(straddle.First, last, raw)
}

func readSegment(path string) ([]*Entry, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	raw, err := decompressSegment(data)
	if err != nil {
		return nil, errors.Annotatef(err, "segment %s", filepath.Base(path))
	}
	var entries []*Entry
	for len(raw) > 0 {
		var e *Entry
		if e, raw, err = UnmarshalEntry(raw); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// compressSegment lays a segment out as a flag byte, the uncompressed length
// and the body. Incompressible bodies are stored raw.
func compressSegment(raw []byte) []byte {
	header := []byte{segmentRaw}
	header = codec.EncodeUint32(header, uint32(len(raw)))
	output := make([]byte, len(header)+lz4.CompressBlockBound(len(raw)))
	copy(output, header)
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(raw, output[len(header):], ht[:])
	if err != nil || n == 0 || n >= len(raw) {
		return append(header, raw...)
	}
	output[0] = segmentLZ4
	return output[:len(header)+n]
}

func decompressSegment(data []byte) ([]byte, error) {
	if len(data) < 5 {
		return nil, errors.WithStack(codec.ErrInsufficientBytes)
	}
	flag := data[0]
	body, rawLen, _ := codec.DecodeUint32(data[1:])
	switch flag {
	case segmentRaw:
		return body, nil
	case segmentLZ4:
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(body, raw)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return raw[:n], nil
	}
	return nil, errors.Errorf("unknown segment flag %d", flag)
}

// MergedReader reads the archive followed by the live log, skipping entries
// present in both.
type MergedReader struct {
	archive *Archive
	log     *Manager
}

func NewMergedReader(archive *Archive, log *Manager) *MergedReader {
	return &MergedReader{archive: archive, log: log}
}

func (r *MergedReader) ReadFrom(lsn types.LSN) ([]*Entry, error) {
	entries, err := r.archive.ReadFrom(lsn)
	if err != nil {
		return nil, err
	}
	next := lsn
	if n := len(entries); n > 0 {
		next = entries[n-1].LSN + 1
	}
	live, err := r.log.ReadFrom(next)
	if err != nil {
		return nil, err
	}
	return append(entries, live...), nil
}

func (r *MergedReader) Get(lsn types.LSN) (*Entry, error) {
	e, err := r.log.Get(lsn)
	if errors.Cause(err) != ErrNotFound {
		return e, err
	}
	for _, seg := range r.archive.Segments() {
		if lsn < seg.First || lsn > seg.Last {
			continue
		}
		entries, err := readSegment(seg.Path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.LSN == lsn {
				return e, nil
			}
		}
	}
	return nil, ErrNotFound
}
