package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"time"

	"github.com/xiaoxuxiansheng/goxa/uid"
)

const (
	// recordEndMarker 每条记录末尾的标记，用于识别写了一半的记录
	recordEndMarker uint32 = 0x786f6167

	// status(4) + length(4)
	recordPrefixSize = 8
	// time(8) + sequence(4) + crc(4) + gtrid length(1) + name count(4) + end marker(4)
	recordMinBodySize = 25
)

// encodeRecord 记录格式:
// status | length | time | sequence | crc32 | gtrid length | gtrid | name count | (name length | name)* | end marker
// length 为 length 字段之后的字节数，crc32 覆盖除自身与结尾标记之外的全部内容.
func encodeRecord(r *Record) ([]byte, error) {
	gtrid := r.Gtrid.Bytes()
	if len(gtrid) > math.MaxUint8 {
		return nil, fmt.Errorf("gtrid too long: %d bytes", len(gtrid))
	}
	bodySize := recordMinBodySize + len(gtrid)
	for _, name := range r.UniqueNames {
		if len(name) > math.MaxUint16 {
			return nil, fmt.Errorf("resource name too long: %d bytes", len(name))
		}
		bodySize += 2 + len(name)
	}

	buf := make([]byte, recordPrefixSize+bodySize)
	binary.BigEndian.PutUint32(buf[0:], uint32(r.Status))
	binary.BigEndian.PutUint32(buf[4:], uint32(bodySize))
	binary.BigEndian.PutUint64(buf[8:], uint64(r.Time.UnixMilli()))
	binary.BigEndian.PutUint32(buf[16:], uint32(r.Sequence))
	// crc 位于 20，最后填写
	off := 24
	buf[off] = byte(len(gtrid))
	off++
	off += copy(buf[off:], gtrid)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.UniqueNames)))
	off += 4
	for _, name := range r.UniqueNames {
		binary.BigEndian.PutUint16(buf[off:], uint16(len(name)))
		off += 2
		off += copy(buf[off:], name)
	}
	binary.BigEndian.PutUint32(buf[off:], recordEndMarker)

	binary.BigEndian.PutUint32(buf[20:], recordChecksum(buf))
	return buf, nil
}

func recordChecksum(buf []byte) uint32 {
	h := crc32.NewIEEE()
	_, _ = h.Write(buf[:20])
	_, _ = h.Write(buf[24 : len(buf)-4])
	return h.Sum32()
}

// recordLength 根据前缀返回整条记录的字节数
func recordLength(prefix []byte) (int, error) {
	if len(prefix) < recordPrefixSize {
		return 0, fmt.Errorf("short record prefix: %d bytes", len(prefix))
	}
	bodySize := binary.BigEndian.Uint32(prefix[4:])
	if bodySize < recordMinBodySize || bodySize > math.MaxInt32-recordPrefixSize {
		return 0, fmt.Errorf("invalid record length: %d", bodySize)
	}
	return recordPrefixSize + int(bodySize), nil
}

func decodeRecord(buf []byte) (*Record, error) {
	if len(buf) < recordPrefixSize+recordMinBodySize {
		return nil, fmt.Errorf("short record: %d bytes", len(buf))
	}
	if marker := binary.BigEndian.Uint32(buf[len(buf)-4:]); marker != recordEndMarker {
		return nil, fmt.Errorf("invalid end marker: %#x", marker)
	}
	if want, got := binary.BigEndian.Uint32(buf[20:]), recordChecksum(buf); want != got {
		return nil, fmt.Errorf("checksum mismatch: stored %#x, computed %#x", want, got)
	}

	r := Record{
		Status:   Status(binary.BigEndian.Uint32(buf[0:])),
		Time:     time.UnixMilli(int64(binary.BigEndian.Uint64(buf[8:]))),
		Sequence: int32(binary.BigEndian.Uint32(buf[16:])),
	}
	off := 24
	gtridLen := int(buf[off])
	off++
	if off+gtridLen+4 > len(buf)-4 {
		return nil, fmt.Errorf("gtrid overflows record")
	}
	r.Gtrid = uid.New(buf[off : off+gtridLen])
	off += gtridLen
	count := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	r.UniqueNames = make([]string, 0, count)
	for i := 0; i < count; i++ {
		if off+2 > len(buf)-4 {
			return nil, fmt.Errorf("resource name %d overflows record", i)
		}
		n := int(binary.BigEndian.Uint16(buf[off:]))
		off += 2
		if off+n > len(buf)-4 {
			return nil, fmt.Errorf("resource name %d overflows record", i)
		}
		r.UniqueNames = append(r.UniqueNames, string(buf[off:off+n]))
		off += n
	}
	if off != len(buf)-4 {
		return nil, fmt.Errorf("%d trailing bytes in record", len(buf)-4-off)
	}
	return &r, nil
}
