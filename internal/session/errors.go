package session

import "errors"

var (
	// ErrSessionClosed 会话已关闭，等待中的出站调用全部以此失败
	ErrSessionClosed = errors.New("session closed")
	// ErrCallTimeout 出站调用在超时前没有收到响应
	ErrCallTimeout = errors.New("call timed out")
)

// CloseReason 会话关闭原因
type CloseReason string

const (
	ReasonTransportClosed CloseReason = "transport_closed"
	ReasonTimeout         CloseReason = "timeout"
	ReasonSuperseded      CloseReason = "superseded"
	ReasonShutdown        CloseReason = "shutdown"
)
