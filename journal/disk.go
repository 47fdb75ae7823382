package journal

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/uid"
)

const (
	segmentMagic uint32 = 0x676f7861

	segmentClean   byte = 0
	segmentUnclean byte = 0xff

	// magic(4) + generation(8) + state(1) + position(8)
	segmentHeaderSize = 21
)

var ErrJournalClosed = errors.New("journal is closed")

// CorruptedLogError 日志中存在无法解析的记录
type CorruptedLogError struct {
	Path   string
	Offset int64
	Reason error
}

func (e *CorruptedLogError) Error() string {
	return fmt.Sprintf("corrupted journal record in %s at offset %d: %v", e.Path, e.Offset, e.Reason)
}

func (e *CorruptedLogError) Unwrap() error {
	return e.Reason
}

type DiskOptions struct {
	Part1Filename string
	Part2Filename string
	// 单个分段文件的最大字节数
	MaxSize int64
	// 每次写入后同步刷盘
	ForcedWrite bool
	// 跳过无法解析的记录，否则返回 CorruptedLogError
	SkipCorrupted bool
	// 只记录 COMMITTING / COMMITTED / UNKNOWN
	FilterLogStatus bool
	Now             func() time.Time
}

type DiskOption func(*DiskOptions)

func WithMaxSize(size int64) DiskOption {
	return func(o *DiskOptions) {
		o.MaxSize = size
	}
}

func WithForcedWrite(forced bool) DiskOption {
	return func(o *DiskOptions) {
		o.ForcedWrite = forced
	}
}

func WithSkipCorrupted(skip bool) DiskOption {
	return func(o *DiskOptions) {
		o.SkipCorrupted = skip
	}
}

func WithFilterLogStatus(filter bool) DiskOption {
	return func(o *DiskOptions) {
		o.FilterLogStatus = filter
	}
}

func WithNow(now func() time.Time) DiskOption {
	return func(o *DiskOptions) {
		o.Now = now
	}
}

func repairDisk(o *DiskOptions) {
	if o.Part1Filename == "" {
		o.Part1Filename = "goxa-part1.tlog"
	}
	if o.Part2Filename == "" {
		o.Part2Filename = "goxa-part2.tlog"
	}
	if o.MaxSize <= segmentHeaderSize {
		o.MaxSize = 2 * 1024 * 1024
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type segment struct {
	path       string
	file       *os.File
	generation int64
	state      byte
	position   int64
	torn       bool
}

func (s *segment) writeHeader() error {
	buf := make([]byte, segmentHeaderSize)
	binary.BigEndian.PutUint32(buf[0:], segmentMagic)
	binary.BigEndian.PutUint64(buf[4:], uint64(s.generation))
	buf[12] = s.state
	binary.BigEndian.PutUint64(buf[13:], uint64(s.position))
	if _, err := s.file.WriteAt(buf, 0); err != nil {
		return errors.Wrapf(err, "cannot write header of %s", s.path)
	}
	return nil
}

func (s *segment) readHeader() error {
	buf := make([]byte, segmentHeaderSize)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return errors.Wrapf(err, "cannot read header of %s", s.path)
	}
	if magic := binary.BigEndian.Uint32(buf[0:]); magic != segmentMagic {
		return fmt.Errorf("%s is not a journal segment (magic %#x)", s.path, magic)
	}
	s.generation = int64(binary.BigEndian.Uint64(buf[4:]))
	s.state = buf[12]
	s.position = int64(binary.BigEndian.Uint64(buf[13:]))
	if s.position < segmentHeaderSize {
		return fmt.Errorf("%s has an invalid write position %d", s.path, s.position)
	}
	return nil
}

func (s *segment) reset() error {
	if err := s.file.Truncate(segmentHeaderSize); err != nil {
		return errors.Wrapf(err, "cannot truncate %s", s.path)
	}
	s.generation = 0
	s.state = segmentClean
	s.position = segmentHeaderSize
	if err := s.writeHeader(); err != nil {
		return err
	}
	return s.sync()
}

func (s *segment) sync() error {
	return errors.Wrapf(s.file.Sync(), "cannot sync %s", s.path)
}

// DiskJournal 两个分段文件交替使用的磁盘日志.
// 当前分段写满后，将悬挂事务的记录拷贝到另一个分段并切换.
type DiskJournal struct {
	opts DiskOptions

	mux      sync.Mutex
	active   *segment
	standby  *segment
	sequence int32
}

func NewDiskJournal(part1, part2 string, opts ...DiskOption) *DiskJournal {
	j := DiskJournal{
		opts: DiskOptions{
			Part1Filename: part1,
			Part2Filename: part2,
		},
	}
	for _, opt := range opts {
		opt(&j.opts)
	}
	repairDisk(&j.opts)
	return &j
}

func (j *DiskJournal) Open(ctx context.Context) error {
	j.mux.Lock()
	defer j.mux.Unlock()
	if j.active != nil {
		return nil
	}

	part1, err := j.openSegment(j.opts.Part1Filename)
	if err != nil {
		return err
	}
	part2, err := j.openSegment(j.opts.Part2Filename)
	if err != nil {
		_ = part1.file.Close()
		return err
	}

	if part1.torn && part2.torn {
		_ = part1.file.Close()
		_ = part2.file.Close()
		return fmt.Errorf("both journal segments %s and %s are torn", part1.path, part2.path)
	}

	if part1.generation >= part2.generation {
		j.active, j.standby = part1, part2
	} else {
		j.active, j.standby = part2, part1
	}
	if j.active.generation == j.standby.generation {
		j.active.generation++
	}

	if j.active.state == segmentUnclean {
		log.WarnContextf(ctx, "active journal segment %s was not closed cleanly", j.active.path)
	}
	j.active.state = segmentUnclean
	if err := j.active.writeHeader(); err != nil {
		j.closeSegments()
		return err
	}
	if err := j.active.sync(); err != nil {
		j.closeSegments()
		return err
	}

	log.InfoContextf(ctx, "journal opened, active segment %s (generation %d, %s used of %s)",
		j.active.path, j.active.generation, humanize.IBytes(uint64(j.active.position)), humanize.IBytes(uint64(j.opts.MaxSize)))
	return nil
}

func (j *DiskJournal) openSegment(path string) (*segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open journal segment %s", path)
	}
	s := segment{path: path, file: file}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "cannot stat journal segment %s", path)
	}
	if info.Size() == 0 {
		s.state = segmentClean
		s.position = segmentHeaderSize
		if err := s.writeHeader(); err != nil {
			_ = file.Close()
			return nil, err
		}
		if err := s.sync(); err != nil {
			_ = file.Close()
			return nil, err
		}
		return &s, nil
	}

	if err := s.readHeader(); err != nil {
		log.Warnf("journal segment %s has a torn header, resetting it: %v", path, err)
		if err := s.reset(); err != nil {
			_ = file.Close()
			return nil, err
		}
		s.torn = true
	}
	return &s, nil
}

func (j *DiskJournal) closeSegments() {
	for _, s := range []*segment{j.active, j.standby} {
		if s != nil {
			_ = s.file.Close()
		}
	}
	j.active, j.standby = nil, nil
}

// Close 将当前分段标记为正常关闭
func (j *DiskJournal) Close() error {
	j.mux.Lock()
	defer j.mux.Unlock()
	if j.active == nil {
		return nil
	}

	j.active.state = segmentClean
	err := j.active.writeHeader()
	if err == nil {
		err = j.active.sync()
	}
	j.closeSegments()
	return err
}

func (j *DiskJournal) Log(ctx context.Context, status Status, gtrid uid.Uid, uniqueNames []string) error {
	if !ShouldLog(status, j.opts.FilterLogStatus) {
		return nil
	}

	j.mux.Lock()
	defer j.mux.Unlock()
	if j.active == nil {
		return ErrJournalClosed
	}

	j.sequence++
	buf, err := encodeRecord(NewRecord(status, gtrid, uniqueNames, j.opts.Now(), j.sequence))
	if err != nil {
		return err
	}

	if j.active.position+int64(len(buf)) > j.opts.MaxSize {
		if err := j.rotate(ctx); err != nil {
			return err
		}
		if j.active.position+int64(len(buf)) > j.opts.MaxSize {
			return fmt.Errorf("journal record of %s does not fit in a segment of %s", humanize.IBytes(uint64(len(buf))), humanize.IBytes(uint64(j.opts.MaxSize)))
		}
	}

	if err := j.append(j.active, buf); err != nil {
		return err
	}
	if j.opts.ForcedWrite {
		return j.active.sync()
	}
	return nil
}

func (j *DiskJournal) append(s *segment, buf []byte) error {
	if _, err := s.file.WriteAt(buf, s.position); err != nil {
		return errors.Wrapf(err, "cannot append journal record to %s", s.path)
	}
	s.position += int64(len(buf))
	return s.writeHeader()
}

// rotate 将悬挂事务拷贝到备用分段并切换为当前分段
func (j *DiskJournal) rotate(ctx context.Context) error {
	dangling, err := j.collectDangling(ctx)
	if err != nil {
		return err
	}

	log.InfoContextf(ctx, "journal segment %s is full (%s used of %s), rotating to %s with %d dangling record(s)",
		j.active.path, humanize.IBytes(uint64(j.active.position)), humanize.IBytes(uint64(j.opts.MaxSize)), j.standby.path, len(dangling))

	next := j.standby
	if err := next.file.Truncate(segmentHeaderSize); err != nil {
		return errors.Wrapf(err, "cannot truncate %s", next.path)
	}
	// 拷贝完成前保持较小的代数，中途崩溃时仍以旧分段为准
	next.generation = 0
	next.state = segmentUnclean
	next.position = segmentHeaderSize
	for _, r := range dangling {
		buf, err := encodeRecord(r)
		if err != nil {
			return err
		}
		if next.position+int64(len(buf)) > j.opts.MaxSize {
			return fmt.Errorf("dangling records do not fit in journal segment %s of %s", next.path, humanize.IBytes(uint64(j.opts.MaxSize)))
		}
		if err := j.append(next, buf); err != nil {
			return err
		}
	}
	next.generation = j.active.generation + 1
	if err := next.writeHeader(); err != nil {
		return err
	}
	if err := next.sync(); err != nil {
		return err
	}

	j.active.state = segmentClean
	if err := j.active.writeHeader(); err != nil {
		return err
	}
	if err := j.active.sync(); err != nil {
		return err
	}
	j.active, j.standby = next, j.active
	return nil
}

func (j *DiskJournal) Force(ctx context.Context) error {
	j.mux.Lock()
	defer j.mux.Unlock()
	if j.active == nil {
		return ErrJournalClosed
	}
	return j.active.sync()
}

func (j *DiskJournal) CollectDanglingRecords(ctx context.Context) (map[uid.Uid]*Record, error) {
	j.mux.Lock()
	defer j.mux.Unlock()
	if j.active == nil {
		return nil, ErrJournalClosed
	}
	return j.collectDangling(ctx)
}

func (j *DiskJournal) collectDangling(ctx context.Context) (map[uid.Uid]*Record, error) {
	records, err := j.readRecords(ctx, j.active)
	if err != nil {
		return nil, err
	}
	c := NewDanglingCollector()
	for _, r := range records {
		c.Add(r)
	}
	return c.Records(), nil
}

// ReadRecords 按写入顺序返回当前分段中的全部记录
func (j *DiskJournal) ReadRecords(ctx context.Context) ([]*Record, error) {
	j.mux.Lock()
	defer j.mux.Unlock()
	if j.active == nil {
		return nil, ErrJournalClosed
	}
	return j.readRecords(ctx, j.active)
}

func (j *DiskJournal) readRecords(ctx context.Context, s *segment) ([]*Record, error) {
	reader := io.NewSectionReader(s.file, segmentHeaderSize, s.position-segmentHeaderSize)
	var records []*Record
	var offset int64 = segmentHeaderSize
	prefix := make([]byte, recordPrefixSize)
	for offset < s.position {
		if _, err := reader.ReadAt(prefix, offset-segmentHeaderSize); err != nil {
			return records, j.corrupted(ctx, s, offset, errors.Wrap(err, "cannot read record prefix"))
		}
		length, err := recordLength(prefix)
		if err == nil && offset+int64(length) > s.position {
			err = fmt.Errorf("record of %d bytes overflows the segment", length)
		}
		if err != nil {
			// 长度不可信时无法定位下一条记录
			return records, j.corrupted(ctx, s, offset, err)
		}

		buf := make([]byte, length)
		if _, err := reader.ReadAt(buf, offset-segmentHeaderSize); err != nil {
			return records, j.corrupted(ctx, s, offset, errors.Wrap(err, "cannot read record"))
		}
		r, err := decodeRecord(buf)
		if err != nil {
			if cerr := j.corrupted(ctx, s, offset, err); cerr != nil {
				return records, cerr
			}
			offset += int64(length)
			continue
		}
		records = append(records, r)
		offset += int64(length)
	}
	return records, nil
}

func (j *DiskJournal) corrupted(ctx context.Context, s *segment, offset int64, reason error) error {
	err := &CorruptedLogError{Path: s.path, Offset: offset, Reason: reason}
	if j.opts.SkipCorrupted {
		log.WarnContextf(ctx, "skipping %v", err)
		return nil
	}
	return err
}
