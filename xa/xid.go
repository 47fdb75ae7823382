package xa

import (
	"encoding/binary"
	"fmt"

	"github.com/OneOfOne/xxhash"

	"github.com/xiaoxuxiansheng/goxa/uid"
)

// FormatID "Goxa" 的 int 编码，用于区分本系统与其他 XA 实现生成的 Xid
const FormatID int32 = 0x476f7861

// Xid 事务分支标识：format id + GTRID + BQUAL.
// 不可变，可以直接使用 == 比较，也可以作为 map 的 key.
type Xid struct {
	formatID int32
	gtrid    uid.Uid
	bqual    uid.Uid
	hash     uint32
	str      string
}

// NewXid 构造本系统的 Xid
func NewXid(gtrid, bqual uid.Uid) Xid {
	return NewRawXid(FormatID, gtrid.Bytes(), bqual.Bytes())
}

// NewRawXid 构造任意 format id 的 Xid，用于承接资源 recover 返回的结果
func NewRawXid(formatID int32, gtrid, bqual []byte) Xid {
	x := Xid{
		formatID: formatID,
		gtrid:    uid.New(gtrid),
		bqual:    uid.New(bqual),
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(formatID))
	x.hash = xxhash.Checksum32(buf[:]) + x.gtrid.Hash() + x.bqual.Hash()
	if formatID == FormatID {
		x.str = fmt.Sprintf("a goxa XID [%s : %s]", x.gtrid, x.bqual)
	} else {
		x.str = fmt.Sprintf("a foreign XID (format id: 0x%x) [%s : %s]", uint32(formatID), x.gtrid, x.bqual)
	}
	return x
}

func (x Xid) FormatID() int32 {
	return x.formatID
}

func (x Xid) Gtrid() uid.Uid {
	return x.gtrid
}

func (x Xid) Bqual() uid.Uid {
	return x.bqual
}

func (x Xid) Hash() uint32 {
	return x.hash
}

func (x Xid) IsZero() bool {
	return x.formatID == 0 && x.gtrid.IsZero() && x.bqual.IsZero()
}

// Equal 结构化比较
func (x Xid) Equal(other Xid) bool {
	return x.formatID == other.formatID && x.gtrid.Equal(other.gtrid) && x.bqual.Equal(other.bqual)
}

func (x Xid) String() string {
	return x.str
}
