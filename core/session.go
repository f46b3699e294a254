package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// pendingCall tracks an in-flight JSON-RPC request awaiting its response.
type pendingCall struct {
	resultCh chan rpcResult
}

type rpcResult struct {
	raw json.RawMessage
	err error
}

// subscriptionKey deterministically identifies a (method, params) pair so
// repeated subscribe calls return the cached notification rather than
// resubscribing the wire.
func subscriptionKey(method string, params []any) (string, error) {
	if params == nil {
		params = []any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("session: marshal params for %s: %w", method, err)
	}
	return method + "|" + string(b), nil
}

// NotificationSession multiplexes JSON-RPC requests and subscription
// notifications over a single FramedTransport, matching responses to
// requests by integer id and routing unsolicited notifications to
// registered subscription callbacks.
type NotificationSession struct {
	transport *FramedTransport
	log       *logrus.Entry
	timeouts  TimeoutProfile

	mu       sync.Mutex
	nextID   int
	pending  map[int]*pendingCall
	subs     map[string]func(json.RawMessage)
	lastSeen map[string]json.RawMessage

	closeOnce sync.Once
	closed    chan struct{}
	runErr    error
}

// NewNotificationSession wraps transport in a session and starts its
// background read loop. Cancelling ctx or calling Close tears the loop down.
func NewNotificationSession(ctx context.Context, transport *FramedTransport, timeouts TimeoutProfile, log *logrus.Entry) *NotificationSession {
	s := &NotificationSession{
		transport: transport,
		log:       log,
		timeouts:  timeouts,
		pending:   make(map[int]*pendingCall),
		subs:      make(map[string]func(json.RawMessage)),
		lastSeen:  make(map[string]json.RawMessage),
		closed:    make(chan struct{}),
	}
	go s.readLoop(ctx)
	return s
}

func (s *NotificationSession) readLoop(ctx context.Context) {
	defer close(s.closed)
	for {
		frame, err := s.transport.ReadFrame(ctx)
		if err != nil {
			s.failAllPending(err)
			s.mu.Lock()
			s.runErr = err
			s.mu.Unlock()
			return
		}
		s.dispatch(frame)
	}
}

func (s *NotificationSession) dispatch(frame []byte) {
	var env struct {
		ID     *int            `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Params json.RawMessage `json:"params"`
		Error  *rpcErrorWire   `json:"error"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		s.log.WithError(err).Warn("discarding malformed frame")
		return
	}

	if env.ID != nil {
		s.mu.Lock()
		call, ok := s.pending[*env.ID]
		if ok {
			delete(s.pending, *env.ID)
		}
		s.mu.Unlock()
		if !ok {
			s.log.WithField("id", *env.ID).Warn("response for unknown request id")
			return
		}
		if env.Error != nil {
			call.resultCh <- rpcResult{err: &RPCError{Code: env.Error.Code, Message: env.Error.Message}}
		} else {
			call.resultCh <- rpcResult{raw: env.Result}
		}
		return
	}

	if env.Method == "" {
		return
	}
	key, err := notificationKey(env.Method, env.Params)
	if err != nil {
		s.log.WithError(err).Warn("discarding notification with unkeyable params")
		return
	}
	s.mu.Lock()
	s.lastSeen[key] = env.Params
	cb := s.subs[key]
	s.mu.Unlock()
	if cb != nil {
		cb(env.Params)
	}
}

// notificationKey derives the subscription key of a notification straight
// off the wire. The last element of a params list carries the notified
// value, so the key is built by subscriptionKey from the params before it;
// params that are not a non-empty list are keyed as if no params were given.
func notificationKey(method string, params json.RawMessage) (string, error) {
	var list []any
	if err := json.Unmarshal(params, &list); err != nil || len(list) == 0 {
		return subscriptionKey(method, nil)
	}
	return subscriptionKey(method, list[:len(list)-1])
}

func (s *NotificationSession) failAllPending(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, call := range s.pending {
		call.resultCh <- rpcResult{err: err}
		delete(s.pending, id)
	}
}

// Send issues method(params) and blocks until a matching response arrives,
// ctx is cancelled, or the class/level timeout elapses.
func (s *NotificationSession) Send(ctx context.Context, class NetworkTimeoutClass, level NetworkTimeoutLevel, method string, params []any) (json.RawMessage, error) {
	id, call := s.registerCall()

	if params == nil {
		params = []any{}
	}
	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		s.forgetCall(id)
		return nil, fmt.Errorf("session: marshal request: %w", err)
	}
	body = append(body, '\n')
	if err := s.transport.Enqueue(body); err != nil {
		s.forgetCall(id)
		return nil, err
	}

	timeout := s.timeouts.Duration(class, level)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-call.resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.raw, nil
	case <-timer.C:
		s.forgetCall(id)
		return nil, &RequestTimedOut{Method: method, After: timeout}
	case <-ctx.Done():
		s.forgetCall(id)
		return nil, ctx.Err()
	case <-s.closed:
		s.mu.Lock()
		err := s.runErr
		s.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("session: closed")
		}
		return nil, err
	}
}

func (s *NotificationSession) registerCall() (int, *pendingCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	call := &pendingCall{resultCh: make(chan rpcResult, 1)}
	s.pending[id] = call
	return id, call
}

func (s *NotificationSession) forgetCall(id int) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Subscribe sends method(params) as a subscribing request and registers cb
// to receive every subsequent notification keyed to the same method/params.
// A key holds one callback: a later Subscribe for the same key replaces the
// earlier cb, which then receives nothing further. If a notification for the
// key has already been seen, Subscribe returns it without sending a request.
func (s *NotificationSession) Subscribe(ctx context.Context, method string, params []any, cb func(json.RawMessage)) (json.RawMessage, error) {
	key, err := subscriptionKey(method, params)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.subs[key] = cb
	cached, hasCached := s.lastSeen[key]
	s.mu.Unlock()

	if hasCached {
		return cached, nil
	}

	return s.Send(ctx, NetworkTimeoutGeneric, TimeoutNormal, method, params)
}

// requestID is exposed for correlating log lines with a human-legible
// request id independent of the wire's small integer ids.
func requestID() string {
	return uuid.NewString()
}

// Close tears the session down; pending calls receive an error and the
// read loop exits once the underlying transport is closed.
func (s *NotificationSession) Close() error {
	s.closeOnce.Do(func() {
		_ = s.transport.Close()
	})
	return nil
}

// subscribedMethods returns the sorted list of currently subscribed keys,
// for diagnostics; nothing in this module calls it.
func (s *NotificationSession) subscribedMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.subs))
	for k := range s.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
