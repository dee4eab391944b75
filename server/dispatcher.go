package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/lindenhall/conduit/protocol"
	"github.com/lindenhall/conduit/types"
)

// MethodHandler processes one request. params is the decoded params value:
// the typed struct produced by the method's ParamsFunc, or the generic
// decoded JSON when no ParamsFunc was registered. The returned value becomes
// the response result; a returned *protocol.RPCError controls the error code
// sent to the peer, any other error maps to an internal error.
type MethodHandler func(ctx context.Context, session types.ClientSession, params interface{}) (interface{}, error)

// NotificationHandler processes one notification. Notifications produce no
// reply; a returned error is logged only.
type NotificationHandler func(ctx context.Context, session types.ClientSession, params interface{}) error

// ParamsFunc returns a fresh typed value the raw params of a method are
// decoded into before its handler runs. Each registered method supplies its
// own; a nil ParamsFunc passes the generic decoded JSON through unchanged.
type ParamsFunc func() interface{}

type methodEntry struct {
	decode  ParamsFunc
	handler MethodHandler
}

// Dispatcher maps method names to registered handlers and turns a handler's
// return value or error into a response or error envelope.
type Dispatcher struct {
	mu            sync.RWMutex
	methods       map[string]methodEntry
	notifications map[string]NotificationHandler
	logger        types.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger types.Logger) *Dispatcher {
	return &Dispatcher{
		methods:       make(map[string]methodEntry),
		notifications: make(map[string]NotificationHandler),
		logger:        logger,
	}
}

// RegisterMethod registers a request handler. The handshake-control methods
// are owned by the engine and cannot be registered; registering a method
// twice is an error.
func (d *Dispatcher) RegisterMethod(method string, decode ParamsFunc, handler MethodHandler) error {
	if protocol.IsReservedMethod(method) {
		return fmt.Errorf("method %q is reserved for the session engine", method)
	}
	if handler == nil {
		return fmt.Errorf("handler for method %q must not be nil", method)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.methods[method]; exists {
		return fmt.Errorf("method %q already registered", method)
	}
	d.methods[method] = methodEntry{decode: decode, handler: handler}
	return nil
}

// RegisterNotification registers a notification handler. Notifications with
// no registered handler are silently ignored by the engine.
func (d *Dispatcher) RegisterNotification(method string, handler NotificationHandler) error {
	if protocol.IsReservedMethod(method) {
		return fmt.Errorf("method %q is reserved for the session engine", method)
	}
	if handler == nil {
		return fmt.Errorf("handler for notification %q must not be nil", method)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.notifications[method]; exists {
		return fmt.Errorf("notification %q already registered", method)
	}
	d.notifications[method] = handler
	return nil
}

// Dispatch routes a request envelope to its handler and returns the response
// or error envelope to send back, always echoing the request id.
func (d *Dispatcher) Dispatch(ctx context.Context, session types.ClientSession, env *protocol.Envelope) *protocol.Envelope {
	d.mu.RLock()
	entry, ok := d.methods[env.Method]
	d.mu.RUnlock()
	if !ok {
		return protocol.NewErrorFrom(env.ID, protocol.NewMethodNotFoundError(env.Method))
	}

	params, err := decodeParams(env.Params, entry.decode)
	if err != nil {
		return protocol.NewErrorFrom(env.ID, protocol.NewInvalidParamsError(err.Error()))
	}

	result, err := entry.handler(ctx, session, params)
	if err != nil {
		return protocol.NewErrorFrom(env.ID, err)
	}
	resp, err := protocol.NewResponse(env.ID, result)
	if err != nil {
		d.logger.Error("dispatcher: failed to encode result for %q: %v", env.Method, err)
		return protocol.NewErrorFrom(env.ID, protocol.NewRPCError(protocol.ErrorCodeInternalError, "failed to encode result"))
	}
	return resp
}

// DispatchNotification routes a notification envelope to its handler, if any.
func (d *Dispatcher) DispatchNotification(ctx context.Context, session types.ClientSession, env *protocol.Envelope) {
	d.mu.RLock()
	handler, ok := d.notifications[env.Method]
	d.mu.RUnlock()
	if !ok {
		d.logger.Debug("dispatcher: no handler for notification %q, ignoring", env.Method)
		return
	}

	params, err := decodeParams(env.Params, nil)
	if err != nil {
		d.logger.Error("dispatcher: bad params for notification %q: %v", env.Method, err)
		return
	}
	if err := handler(ctx, session, params); err != nil {
		d.logger.Error("dispatcher: notification handler %q failed: %v", env.Method, err)
	}
}

// decodeParams turns raw params into the value handed to a handler. The
// generic JSON decode happens first; when the method declared a typed params
// value, mapstructure decodes the generic form into it so handlers see their
// own struct types rather than raw maps.
func decodeParams(raw json.RawMessage, decode ParamsFunc) (interface{}, error) {
	var generic interface{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, fmt.Errorf("failed to parse params: %w", err)
		}
	}
	if decode == nil {
		return generic, nil
	}

	target := decode()
	if generic == nil {
		return target, nil
	}
	decoderConfig := &mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
	}
	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build params decoder: %w", err)
	}
	if err := decoder.Decode(generic); err != nil {
		return nil, fmt.Errorf("params do not match expected shape: %w", err)
	}
	return target, nil
}
