package uid

import (
	"encoding/binary"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/xiaoxuxiansheng/goxa/log"
)

const (
	// MaxServerIDLength server id 的长度上限，保证 GTRID 不超过 XA 规定的 64 字节
	MaxServerIDLength = 51

	unknownServerID = "unknown-server-id"
)

// Generator 生成全局唯一的 GTRID 与 BQUAL.
// 格式为 server id + 毫秒时间戳 + 序列号.
type Generator struct {
	configured string
	lookupIP   func() (string, error)
	now        func() time.Time

	mux      sync.Mutex
	serverID atomic.Value
	sequence atomic.Int32
}

type GeneratorOption func(*Generator)

// WithIPLookup 替换本机 IP 的获取方式
func WithIPLookup(lookup func() (string, error)) GeneratorOption {
	return func(g *Generator) {
		g.lookupIP = lookup
	}
}

// WithClock 替换时间来源
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) {
		g.now = now
	}
}

func NewGenerator(serverID string, opts ...GeneratorOption) *Generator {
	g := Generator{
		configured: serverID,
		lookupIP:   localIP,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&g)
	}
	return &g
}

// Generate 生成一个新的 Uid
func (g *Generator) Generate() Uid {
	serverID := g.serverIDBytes()
	buf := make([]byte, len(serverID)+suffixLength)
	copy(buf, serverID)
	binary.BigEndian.PutUint64(buf[len(serverID):], uint64(g.now().UnixMilli()))
	binary.BigEndian.PutUint32(buf[len(serverID)+timestampLength:], uint32(g.sequence.Inc()))
	return New(buf)
}

// ServerID 返回本节点的 server id
func (g *Generator) ServerID() []byte {
	id := g.serverIDBytes()
	out := make([]byte, len(id))
	copy(out, id)
	return out
}

func (g *Generator) serverIDBytes() []byte {
	if id, ok := g.serverID.Load().([]byte); ok {
		return id
	}

	// 双重检查，避免并发场景下重复解析与重复打印告警日志
	g.mux.Lock()
	defer g.mux.Unlock()
	if id, ok := g.serverID.Load().([]byte); ok {
		return id
	}

	id := g.resolve()
	g.serverID.Store(id)
	log.Infof("server id for this node is '%s'", string(id))
	return id
}

func (g *Generator) resolve() []byte {
	var id []byte
	if isASCII(g.configured) && g.configured != "" {
		id = []byte(g.configured)
	} else {
		log.Warnf("cannot use server id '%s', make sure it is configured and only contains US-ASCII characters. "+
			"Will use IP address instead (unsafe for production usage!)", g.configured)
		ip, err := g.lookupIP()
		if err != nil || ip == "" {
			log.Warnf("cannot get the local IP address, err: %v. Will use the constant '%s' as server id (highly unsafe!)", err, unknownServerID)
			ip = unknownServerID
		}
		id = []byte(ip)
	}

	if len(id) > MaxServerIDLength {
		truncated := id[:MaxServerIDLength]
		log.Warnf("server id '%s' has to be truncated to %d chars (builtin hard limit) resulting in '%s'. "+
			"This may be highly unsafe if ids differ with suffixes only!", string(id), MaxServerIDLength, string(truncated))
		id = truncated
	}
	return id
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}

func localIP() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", err
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return "", err
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	if len(ips) > 0 {
		return ips[0].String(), nil
	}
	return "", errors.New("no address for local host")
}
