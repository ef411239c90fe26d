package ocpp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType OCPP-J 帧类型
type MessageType int

const (
	CallType       MessageType = 2
	CallResultType MessageType = 3
	CallErrorType  MessageType = 4
)

// maxUniqueIDLength OCPP-J 规定的 UniqueId 最大长度
const maxUniqueIDLength = 36

// Message 入站或出站的一帧
type Message interface {
	MessageType() MessageType
	ID() string
}

// Call 请求帧 [2, id, action, payload]
type Call struct {
	UniqueID string
	Action   string
	Payload  json.RawMessage
}

// CallResult 响应帧 [3, id, payload]
type CallResult struct {
	UniqueID string
	Payload  json.RawMessage
}

// CallError 错误帧 [4, id, code, description, details]
type CallError struct {
	UniqueID    string
	Code        ErrorCode
	Description string
	Details     json.RawMessage
}

func (c *Call) MessageType() MessageType       { return CallType }
func (c *Call) ID() string                     { return c.UniqueID }
func (c *CallResult) MessageType() MessageType { return CallResultType }
func (c *CallResult) ID() string               { return c.UniqueID }
func (c *CallError) MessageType() MessageType  { return CallErrorType }
func (c *CallError) ID() string                { return c.UniqueID }

// Err 转换为 error
func (c *CallError) Err() *Error {
	e := &Error{Code: c.Code, Description: c.Description}
	if len(c.Details) > 0 {
		_ = json.Unmarshal(c.Details, &e.Details)
	}
	return e
}

// NewCallResult 用任意 payload 创建响应帧
func NewCallResult(uniqueID string, payload interface{}) (*CallResult, error) {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &CallResult{UniqueID: uniqueID, Payload: raw}, nil
}

// NewCallError 用错误创建错误帧，非 *Error 一律视为 InternalError
func NewCallError(uniqueID string, err error) *CallError {
	var ocppErr *Error
	if !errors.As(err, &ocppErr) {
		ocppErr = &Error{Code: InternalError, Description: "internal error"}
	}
	details := json.RawMessage("{}")
	if len(ocppErr.Details) > 0 {
		if raw, mErr := json.Marshal(ocppErr.Details); mErr == nil {
			details = raw
		}
	}
	return &CallError{
		UniqueID:    uniqueID,
		Code:        ocppErr.Code,
		Description: ocppErr.Description,
		Details:     details,
	}
}

// Decode 解析一帧
// 结构错误返回 *FrameError（errors.Is(err, ErrMalformedFrame) 为真）
func Decode(data []byte) (Message, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, &FrameError{Code: FormationViolation, Description: "frame is not a JSON array"}
	}
	if len(elems) == 0 {
		return nil, &FrameError{Code: FormationViolation, Description: "frame is empty"}
	}

	var typeID MessageType
	if err := json.Unmarshal(elems[0], &typeID); err != nil {
		return nil, &FrameError{Code: FormationViolation, Description: "message type is not a number"}
	}

	// 短帧也尽量保留类型和 id，响应帧不能被回复
	var uniqueID string
	if len(elems) >= 2 {
		if err := json.Unmarshal(elems[1], &uniqueID); err != nil || uniqueID == "" {
			return nil, &FrameError{MessageType: typeID, Code: FormationViolation, Description: "unique id must be a non-empty string"}
		}
		if len(uniqueID) > maxUniqueIDLength {
			return nil, &FrameError{MessageType: typeID, Code: FormationViolation, Description: "unique id too long"}
		}
	}
	if len(elems) < 3 {
		return nil, &FrameError{
			UniqueID:    uniqueID,
			MessageType: typeID,
			Code:        FormationViolation,
			Description: fmt.Sprintf("frame has %d elements", len(elems)),
		}
	}

	malformed := func(format string, args ...interface{}) error {
		return &FrameError{
			UniqueID:    uniqueID,
			MessageType: typeID,
			Code:        FormationViolation,
			Description: fmt.Sprintf(format, args...),
		}
	}

	switch typeID {
	case CallType:
		if len(elems) != 4 {
			return nil, malformed("call must have 4 elements, got %d", len(elems))
		}
		var action string
		if err := json.Unmarshal(elems[2], &action); err != nil || action == "" {
			return nil, malformed("action must be a non-empty string")
		}
		if !isObject(elems[3]) {
			return nil, malformed("call payload must be an object")
		}
		return &Call{UniqueID: uniqueID, Action: action, Payload: elems[3]}, nil

	case CallResultType:
		if len(elems) != 3 {
			return nil, malformed("call result must have 3 elements, got %d", len(elems))
		}
		return &CallResult{UniqueID: uniqueID, Payload: elems[2]}, nil

	case CallErrorType:
		// details 可省略
		if len(elems) != 4 && len(elems) != 5 {
			return nil, malformed("call error must have 5 elements, got %d", len(elems))
		}
		ce := &CallError{UniqueID: uniqueID}
		if err := json.Unmarshal(elems[2], &ce.Code); err != nil {
			return nil, malformed("error code must be a string")
		}
		if err := json.Unmarshal(elems[3], &ce.Description); err != nil {
			return nil, malformed("error description must be a string")
		}
		if len(elems) == 5 {
			ce.Details = elems[4]
		}
		return ce, nil

	default:
		return nil, &FrameError{
			UniqueID:    uniqueID,
			MessageType: typeID,
			Code:        ProtocolError,
			Description: fmt.Sprintf("unknown message type %d", typeID),
		}
	}
}

// Encode 编码一帧，结果总是完整的 JSON 数组
func Encode(msg Message) ([]byte, error) {
	var frame []interface{}
	switch m := msg.(type) {
	case *Call:
		frame = []interface{}{CallType, m.UniqueID, m.Action, payloadOrEmpty(m.Payload)}
	case *CallResult:
		frame = []interface{}{CallResultType, m.UniqueID, payloadOrEmpty(m.Payload)}
	case *CallError:
		frame = []interface{}{CallErrorType, m.UniqueID, m.Code, m.Description, payloadOrEmpty(m.Details)}
	default:
		return nil, fmt.Errorf("encode frame: unsupported message %T", msg)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// MarshalPayload 序列化 payload，nil 编码为 {}
func MarshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return payloadOrEmpty(raw), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

func payloadOrEmpty(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}")
	}
	return raw
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
