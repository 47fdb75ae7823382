package uid

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/OneOfOne/xxhash"
)

const (
	// 时间戳占用的字节数
	timestampLength = 8
	// 序列号占用的字节数
	sequenceLength = 4
	// server id 之后追加的后缀长度
	suffixLength = timestampLength + sequenceLength
)

// Uid 不可变的字节序列，用作 GTRID 与 BQUAL.
// 哈希值与字符串形式在构造时计算，Uid 可以直接比较，也可以作为 map 的 key.
type Uid struct {
	array string
	hash  uint32
	str   string
}

// New 拷贝入参构造 Uid
func New(b []byte) Uid {
	return Uid{
		array: string(b),
		hash:  xxhash.Checksum32(b),
		str:   strings.ToUpper(hex.EncodeToString(b)),
	}
}

// Parse 解析 String() 生成的十六进制字符串
func Parse(s string) (Uid, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Uid{}, err
	}
	return New(b), nil
}

// Bytes 返回底层字节的副本
func (u Uid) Bytes() []byte {
	return []byte(u.array)
}

func (u Uid) Len() int {
	return len(u.array)
}

func (u Uid) IsZero() bool {
	return len(u.array) == 0
}

func (u Uid) Hash() uint32 {
	return u.hash
}

func (u Uid) String() string {
	return u.str
}

func (u Uid) Equal(other Uid) bool {
	return u.array == other.array
}

// ExtractServerID 取出生成该 Uid 的节点 server id，长度不足时返回 nil
func (u Uid) ExtractServerID() []byte {
	if len(u.array) <= suffixLength {
		return nil
	}
	return []byte(u.array[:len(u.array)-suffixLength])
}

// ExtractTimestamp 取出生成时刻（毫秒）
func (u Uid) ExtractTimestamp() int64 {
	if len(u.array) < suffixLength {
		return 0
	}
	start := len(u.array) - suffixLength
	return int64(binary.BigEndian.Uint64([]byte(u.array[start : start+timestampLength])))
}

// ExtractSequence 取出生成时的序列号
func (u Uid) ExtractSequence() int32 {
	if len(u.array) < sequenceLength {
		return 0
	}
	return int32(binary.BigEndian.Uint32([]byte(u.array[len(u.array)-sequenceLength:])))
}
