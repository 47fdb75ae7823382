package xa

import (
	"errors"
	"fmt"
)

// ErrorCode 资源上报的 XA 错误码
type ErrorCode int

const (
	XARBRollback  ErrorCode = 100
	XARBCommFail  ErrorCode = 101
	XARBDeadlock  ErrorCode = 102
	XARBIntegrity ErrorCode = 103
	XARBOther     ErrorCode = 104
	XARBProto     ErrorCode = 105
	XARBTimeout   ErrorCode = 106
	XARBTransient ErrorCode = 107

	XANoMigrate ErrorCode = 9
	XAHeurHaz   ErrorCode = 8
	XAHeurCom   ErrorCode = 7
	XAHeurRB    ErrorCode = 6
	XAHeurMix   ErrorCode = 5
	XARetry     ErrorCode = 4
	XARDOnly    ErrorCode = 3

	XAERAsync   ErrorCode = -2
	XAERRMErr   ErrorCode = -3
	XAERNota    ErrorCode = -4
	XAERInval   ErrorCode = -5
	XAERProto   ErrorCode = -6
	XAERRMFail  ErrorCode = -7
	XAERDupID   ErrorCode = -8
	XAEROutside ErrorCode = -9
)

var codeNames = map[ErrorCode]string{
	XARBRollback:  "XA_RBROLLBACK",
	XARBCommFail:  "XA_RBCOMMFAIL",
	XARBDeadlock:  "XA_RBDEADLOCK",
	XARBIntegrity: "XA_RBINTEGRITY",
	XARBOther:     "XA_RBOTHER",
	XARBProto:     "XA_RBPROTO",
	XARBTimeout:   "XA_RBTIMEOUT",
	XARBTransient: "XA_RBTRANSIENT",
	XANoMigrate:   "XA_NOMIGRATE",
	XAHeurHaz:     "XA_HEURHAZ",
	XAHeurCom:     "XA_HEURCOM",
	XAHeurRB:      "XA_HEURRB",
	XAHeurMix:     "XA_HEURMIX",
	XARetry:       "XA_RETRY",
	XARDOnly:      "XA_RDONLY",
	XAERAsync:     "XAER_ASYNC",
	XAERRMErr:     "XAER_RMERR",
	XAERNota:      "XAER_NOTA",
	XAERInval:     "XAER_INVAL",
	XAERProto:     "XAER_PROTO",
	XAERRMFail:    "XAER_RMFAIL",
	XAERDupID:     "XAER_DUPID",
	XAEROutside:   "XAER_OUTSIDE",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("!invalid error code (%d)!", int(c))
}

// IsRollback 资源已经回滚了分支
func (c ErrorCode) IsRollback() bool {
	return c >= XARBRollback && c <= XARBTransient
}

// IsHeuristic 资源单方面做出了决定
func (c ErrorCode) IsHeuristic() bool {
	switch c {
	case XAHeurCom, XAHeurRB, XAHeurMix, XAHeurHaz:
		return true
	}
	return false
}

// Error 资源调用失败时返回的错误
type Error struct {
	Code  ErrorCode
	Msg   string
	Cause error
}

func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("xa error(%s) - %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("xa error(%s) - %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// CodeOf 从错误链中取出 XA 错误码
func CodeOf(err error) (ErrorCode, bool) {
	var xaErr *Error
	if errors.As(err, &xaErr) {
		return xaErr.Code, true
	}
	return 0, false
}

// DecodeErrorCode 返回便于日志输出的错误码描述
func DecodeErrorCode(err error) string {
	code, ok := CodeOf(err)
	if !ok {
		return "!not an XA error!"
	}
	return code.String()
}

// ErrorAnalyzer 从驱动错误中提取额外的诊断信息
type ErrorAnalyzer func(err error) string

// DefaultErrorAnalyzer 不提取任何额外信息
func DefaultErrorAnalyzer(err error) string {
	return ""
}
