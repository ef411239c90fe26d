package ocpp

import (
	"errors"
	"fmt"
)

// ErrorCode OCPP-J CallError 错误码
type ErrorCode string

const (
	NotImplemented               ErrorCode = "NotImplemented"
	NotSupported                 ErrorCode = "NotSupported"
	InternalError                ErrorCode = "InternalError"
	ProtocolError                ErrorCode = "ProtocolError"
	SecurityError                ErrorCode = "SecurityError"
	FormationViolation           ErrorCode = "FormationViolation"
	PropertyConstraintViolation  ErrorCode = "PropertyConstraintViolation"
	OccurenceConstraintViolation ErrorCode = "OccurenceConstraintViolation" // 拼写与 OCPP 1.6 规范一致
	TypeConstraintViolation      ErrorCode = "TypeConstraintViolation"
	GenericError                 ErrorCode = "GenericError"
)

// ErrMalformedFrame 帧结构不合法
var ErrMalformedFrame = errors.New("malformed frame")

// Error 可以编码为 CallError 的错误
type Error struct {
	Code        ErrorCode
	Description string
	Details     map[string]interface{}
}

// NewError 创建 OCPP 错误
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// FrameError 无法解析的入站帧
type FrameError struct {
	UniqueID    string // 能解析出来时保留，用于回复 CallError
	MessageType MessageType
	Code        ErrorCode
	Description string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed frame (%s): %s", e.Code, e.Description)
}

func (e *FrameError) Unwrap() error {
	return ErrMalformedFrame
}

// Answerable 是否应该用 CallError 回复
// CallResult/CallError 不能被回复，只记录日志
func (e *FrameError) Answerable() bool {
	return e.MessageType != CallResultType && e.MessageType != CallErrorType
}

// AsError 转换为可回复的 OCPP 错误
func (e *FrameError) AsError() *Error {
	return &Error{Code: e.Code, Description: e.Description}
}
