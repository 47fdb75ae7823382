package recovery

import (
	"bytes"
	"context"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// scanner 以 STARTRSCAN / NOFLAGS / ENDRSCAN 协议扫描单个资源上的 in-doubt 分支
type scanner struct {
	currentNodeOnly bool
	serverID        []byte
}

func (s *scanner) scan(ctx context.Context, target Target) ([]xa.Xid, error) {
	res := target.Resource
	seen := make(map[xa.Xid]struct{})
	var xids []xa.Xid

	log.DebugContextf(ctx, "recovering %s with STARTRSCAN", res.UniqueName())
	count, err := s.recover(ctx, res, seen, &xids, xa.TMStartRScan)
	if err != nil {
		if target.IgnoreRecoveryFailures {
			log.DebugContextf(ctx, "ignoring recovery failure on resource %s: %v", res.UniqueName(), err)
			return nil, nil
		}
		return nil, err
	}
	log.DebugContextf(ctx, "STARTRSCAN recovered %d xid(s) on %s", count, res.UniqueName())

	for count > 0 {
		if count, err = s.recover(ctx, res, seen, &xids, xa.TMNoFlags); err != nil {
			log.DebugContextf(ctx, "NOFLAGS recovery call on %s failed: %v", res.UniqueName(), err)
			break
		}
		log.DebugContextf(ctx, "NOFLAGS recovered %d xid(s) on %s", count, res.UniqueName())
	}

	if count, err = s.recover(ctx, res, seen, &xids, xa.TMEndRScan); err != nil {
		log.DebugContextf(ctx, "ENDRSCAN recovery call on %s failed: %v", res.UniqueName(), err)
	} else {
		log.DebugContextf(ctx, "ENDRSCAN recovered %d xid(s) on %s", count, res.UniqueName())
	}
	return xids, nil
}

// recover 返回本次调用新发现的分支数量
func (s *scanner) recover(ctx context.Context, res xa.Resource, seen map[xa.Xid]struct{}, xids *[]xa.Xid, flags xa.Flag) (int, error) {
	recovered, err := res.Recover(ctx, flags)
	if err != nil {
		return 0, err
	}

	fresh := make(map[xa.Xid]struct{}, len(recovered))
	for _, xid := range recovered {
		if xid.FormatID() != xa.FormatID {
			log.DebugContextf(ctx, "skipping foreign %s", xid)
			continue
		}
		if s.currentNodeOnly {
			serverID := xid.Gtrid().ExtractServerID()
			if serverID == nil {
				log.ErrorContextf(ctx, "skipping %s as its GTRID's server id is empty, the journal looks corrupted", xid)
				continue
			}
			if !bytes.Equal(serverID, s.serverID) {
				log.DebugContextf(ctx, "skipping %s as its GTRID's server id <%s> does not match this node <%s>", xid, serverID, s.serverID)
				continue
			}
		}
		if _, ok := seen[xid]; ok {
			log.DebugContextf(ctx, "already recovered %s, skipping it", xid)
			continue
		}
		if _, ok := fresh[xid]; ok {
			log.WarnContextf(ctx, "resource %s recovered two identical XIDs within the same recover call: %s", res.UniqueName(), xid)
			continue
		}
		fresh[xid] = struct{}{}
		*xids = append(*xids, xid)
	}
	for xid := range fresh {
		seen[xid] = struct{}{}
	}
	return len(fresh), nil
}

type outcome struct {
	name         string
	forgetOn     xa.ErrorCode
	incompatible []xa.ErrorCode
	call         func(ctx context.Context, res xa.Resource, xid xa.Xid) error
}

var (
	commitOutcome = outcome{
		name:         "commit",
		forgetOn:     xa.XAHeurCom,
		incompatible: []xa.ErrorCode{xa.XAHeurHaz, xa.XAHeurMix, xa.XAHeurRB},
		call: func(ctx context.Context, res xa.Resource, xid xa.Xid) error {
			return res.Commit(ctx, xid, false)
		},
	}
	rollbackOutcome = outcome{
		name:         "rollback",
		forgetOn:     xa.XAHeurRB,
		incompatible: []xa.ErrorCode{xa.XAHeurHaz, xa.XAHeurMix, xa.XAHeurCom},
		call: func(ctx context.Context, res xa.Resource, xid xa.Xid) error {
			return res.Rollback(ctx, xid)
		},
	}
)

// resolve 对 in-doubt 分支执行提交或回滚，返回分支是否与全局决定一致地完成
func resolve(ctx context.Context, o outcome, res xa.Resource, xid xa.Xid, analyzer xa.ErrorAnalyzer) bool {
	err := o.call(ctx, res, xid)
	if err == nil {
		return true
	}

	extra := ""
	if details := analyzer(err); details != "" {
		extra = ", extra error=" + details
	}
	code, _ := xa.CodeOf(err)
	success, forget := true, false
	switch {
	case code == xa.XAERNota:
		log.ErrorContextf(ctx, "unable to %s in-doubt branch %s on resource %s - error=XAER_NOTA%s. Forgotten heuristic?", o.name, xid, res.UniqueName(), extra)
	case code == o.forgetOn:
		log.InfoContextf(ctx, "unable to %s in-doubt branch %s on resource %s - error=%s%s. Heuristic decision compatible with the global state of this transaction.", o.name, xid, res.UniqueName(), code, extra)
		forget = true
	case isOneOf(code, o.incompatible):
		log.ErrorContextf(ctx, "unable to %s in-doubt branch %s on resource %s - error=%s%s. Heuristic decision incompatible with the global state of this transaction!", o.name, xid, res.UniqueName(), code, extra)
		success, forget = false, true
	default:
		log.ErrorContextf(ctx, "unable to %s in-doubt branch %s on resource %s - error=%s%s: %v", o.name, xid, res.UniqueName(), xa.DecodeErrorCode(err), extra, err)
		success = false
	}

	if forget {
		log.DebugContextf(ctx, "forgetting %s on resource %s", xid, res.UniqueName())
		if err := res.Forget(ctx, xid); err != nil {
			log.ErrorContextf(ctx, "unable to forget %s on resource %s, error=%s: %v", xid, res.UniqueName(), xa.DecodeErrorCode(err), err)
		}
	}
	return success
}

func isOneOf(code xa.ErrorCode, codes []xa.ErrorCode) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
