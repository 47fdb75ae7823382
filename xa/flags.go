package xa

import (
	"fmt"
	"strings"
)

// Flag XA 协议调用携带的标志位
type Flag int

const (
	TMNoFlags    Flag = 0x00000000
	TMJoin       Flag = 0x00200000
	TMEndRScan   Flag = 0x00800000
	TMStartRScan Flag = 0x01000000
	TMSuspend    Flag = 0x02000000
	TMSuccess    Flag = 0x04000000
	TMResume     Flag = 0x08000000
	TMFail       Flag = 0x20000000
	TMOnePhase   Flag = 0x40000000
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{TMJoin, "JOIN"},
	{TMEndRScan, "ENDRSCAN"},
	{TMStartRScan, "STARTRSCAN"},
	{TMSuspend, "SUSPEND"},
	{TMSuccess, "SUCCESS"},
	{TMResume, "RESUME"},
	{TMFail, "FAIL"},
	{TMOnePhase, "ONEPHASE"},
}

func (f Flag) String() string {
	if f == TMNoFlags {
		return "NOFLAGS"
	}
	var names []string
	rest := f
	for _, item := range flagNames {
		if f&item.flag != 0 {
			names = append(names, item.name)
			rest &^= item.flag
		}
	}
	if rest != 0 {
		names = append(names, fmt.Sprintf("!invalid flag (0x%x)!", int(rest)))
	}
	return strings.Join(names, "|")
}

// Vote prepare 阶段的投票结果
type Vote int

const (
	VoteOK       Vote = 0
	VoteReadOnly Vote = 3
)

func (v Vote) String() string {
	switch v {
	case VoteOK:
		return "XA_OK"
	case VoteReadOnly:
		return "XA_RDONLY"
	default:
		return fmt.Sprintf("!invalid vote (%d)!", int(v))
	}
}
