package ocpp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
)

// HandlerFunc 处理一个 Call 的原始 payload，返回 confirmation
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Router 按 action 分发 Call
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	validate *validator.Validate
}

// NewRouter 创建路由器
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Handle 注册原始 handler
func (r *Router) Handle(action string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = fn
}

// Register 注册带类型的 handler，payload 先解码再校验
func Register[Req any, Conf any](r *Router, action string, fn func(ctx context.Context, req *Req) (*Conf, error)) {
	r.Handle(action, func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		req := new(Req)
		if err := r.decode(payload, req); err != nil {
			return nil, err
		}
		conf, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return conf, nil
	})
}

// Dispatch 执行 Call 对应的 handler
func (r *Router) Dispatch(ctx context.Context, call *Call) (interface{}, error) {
	r.mu.RLock()
	fn, ok := r.handlers[call.Action]
	r.mu.RUnlock()
	if !ok {
		return nil, NewError(NotImplemented, "action %s is not supported", call.Action)
	}
	return fn(ctx, payloadOrEmpty(call.Payload))
}

// Actions 返回已注册的 action 列表
func (r *Router) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actions := make([]string, 0, len(r.handlers))
	for a := range r.handlers {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	return actions
}

func (r *Router) decode(payload json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(v); err != nil {
		return decodeError(err)
	}
	if err := r.validate.Struct(v); err != nil {
		return validationError(err)
	}
	return nil
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return NewError(TypeConstraintViolation, "field %s: expected %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return NewError(FormationViolation, "payload is not valid JSON: %v", err)
	}
	// DateTime 等自定义类型的解析失败
	return NewError(TypeConstraintViolation, "%v", err)
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return NewError(FormationViolation, "%v", err)
	}
	fe := verrs[0]
	if fe.Tag() == "required" {
		return NewError(OccurenceConstraintViolation, "field %s is required", fe.Field())
	}
	desc := fmt.Sprintf("field %s violates %s", fe.Field(), fe.Tag())
	if fe.Param() != "" {
		desc += "=" + fe.Param()
	}
	return &Error{Code: PropertyConstraintViolation, Description: desc}
}
