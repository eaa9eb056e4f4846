package engine

import (
	"context"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/shared/types"
)

const (
	maxReadSize = 1 << 20
	maxSleep    = 10 * time.Minute
)

// completion runs on the loop goroutine and settles one guest promise.
type completion func() error

// run is the state of one Instance.Run call.
type run struct {
	ctx    context.Context
	host   Host
	offset int

	// pending counts host operations whose reply has not been applied.
	pending     int
	completions chan completion
	tripped     chan error
	done        chan struct{}
}

func newRun(ctx context.Context, host Host) *run {
	return &run{
		ctx:         ctx,
		host:        host,
		completions: make(chan completion),
		tripped:     make(chan error, 1),
		done:        make(chan struct{}),
	}
}

// pend registers a host operation. Once reply delivers, settle is applied on
// the loop goroutine. If the run finishes first the reply is discarded.
func pend[T any](r *run, reply <-chan T, settle func(T) error) {
	r.pending++
	go func() {
		var v T
		select {
		case v = <-reply:
		case <-r.done:
			return
		}
		select {
		case r.completions <- func() error { return settle(v) }:
		case <-r.done:
		}
	}()
}

// send delivers v on ch unless the run is cancelled first. A nil channel
// drops v.
func send[T any](r *run, ch chan<- T, v T) bool {
	if ch == nil {
		return false
	}
	select {
	case ch <- v:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// hostObject builds the __host ABI consumed by the image.
func (i *Instance) hostObject() *goja.Object {
	h := i.vm.NewObject()
	set := func(name string, fn func(goja.FunctionCall) goja.Value) {
		_ = h.Set(name, fn)
	}

	set("env", i.hostEnv)
	set("callbacks", i.hostCallbacks)
	set("networkEnabled", func(goja.FunctionCall) goja.Value {
		return i.vm.ToValue(i.cfg.Network)
	})
	set("write", i.hostOutput)
	set("trace", i.hostTrace)
	set("invoke", i.hostInvoke)
	set("sleep", i.hostSleep)
	set("encode", func(call goja.FunctionCall) goja.Value {
		return i.vm.ToValue(i.vm.NewArrayBuffer([]byte(call.Argument(0).String())))
	})
	set("decode", func(call goja.FunctionCall) goja.Value {
		return i.vm.ToValue(strings.ToValidUTF8(string(i.bytesArg(call.Argument(0))), "\uFFFD"))
	})

	set("tcpConnect", i.hostConnect)
	set("tlsUpgrade", i.hostUpgrade)
	set("tcpRead", func(call goja.FunctionCall) goja.Value { return i.hostRead(call, false) })
	set("tlsRead", func(call goja.FunctionCall) goja.Value { return i.hostRead(call, true) })
	set("tcpWrite", func(call goja.FunctionCall) goja.Value { return i.hostWrite(call, false) })
	set("tlsWrite", func(call goja.FunctionCall) goja.Value { return i.hostWrite(call, true) })
	set("tcpClose", func(call goja.FunctionCall) goja.Value { return i.hostClose(call, false) })
	set("tlsClose", func(call goja.FunctionCall) goja.Value { return i.hostClose(call, true) })
	return h
}

// active returns the current run or throws if the instance is idle.
func (i *Instance) active() *run {
	if i.cur == nil {
		panic(i.vm.NewTypeError("host functions are only available while code is running"))
	}
	return i.cur
}

// hostError builds a guest Error carrying a machine-readable kind.
func (i *Instance) hostError(name, kind, message string) goja.Value {
	obj, err := i.vm.New(i.intrinsics.errorCtor, i.vm.ToValue(message))
	if err != nil {
		return i.vm.ToValue(message)
	}
	_ = obj.Set("name", name)
	_ = obj.Set("kind", kind)
	return obj
}

func (i *Instance) hostEnv(goja.FunctionCall) goja.Value {
	env := i.cfg.Env
	if env == nil {
		env = map[string]string{}
	}
	data, err := sonic.MarshalString(env)
	if err != nil {
		panic(i.vm.NewGoError(err))
	}
	return i.vm.ToValue(data)
}

func (i *Instance) hostCallbacks(goja.FunctionCall) goja.Value {
	descriptors := i.cfg.Callbacks
	if descriptors == nil {
		return i.vm.ToValue("[]")
	}
	data, err := sonic.MarshalString(descriptors)
	if err != nil {
		panic(i.vm.NewGoError(err))
	}
	return i.vm.ToValue(data)
}

func (i *Instance) hostOutput(call goja.FunctionCall) goja.Value {
	r := i.active()
	stream := types.Stdout
	if call.Argument(0).String() == string(types.Stderr) {
		stream = types.Stderr
	}
	send(r, r.host.Output, types.OutputChunk{
		Stream: stream,
		Data:   call.Argument(1).String(),
		At:     time.Now(),
	})
	return goja.Undefined()
}

func (i *Instance) hostTrace(call goja.FunctionCall) goja.Value {
	r := i.active()
	context := ""
	if arg := call.Argument(1); !goja.IsUndefined(arg) {
		context = arg.String()
	}
	send(r, r.host.Trace, types.TraceRequest{
		Lineno:    uint32(i.currentLine(r)),
		EventJSON: call.Argument(0).String(),
		Context:   context,
	})
	return goja.Undefined()
}

func (i *Instance) hostInvoke(call goja.FunctionCall) goja.Value {
	r := i.active()
	name := call.Argument(0).String()
	args := call.Argument(1).String()
	line := i.currentLine(r)

	promise, resolve, reject := i.vm.NewPromise()
	reply := types.NewCallbackReplyChan()

	i.emit(r, line, traceEvent{Type: string(types.TraceCallbackStart), Name: name}, "")
	start := time.Now()

	if !send(r, r.host.Callbacks, types.CallbackRequest{Name: name, ArgumentsJSON: args, Reply: reply}) {
		_ = reject(i.hostError("CallbackError", types.ErrKindExecutionFailed, "callbacks are unavailable"))
		return i.vm.ToValue(promise)
	}

	pend(r, reply, func(rep types.CallbackReply) error {
		i.emit(r, line, traceEvent{
			Type:       string(types.TraceCallbackEnd),
			Name:       name,
			DurationMs: uint64(time.Since(start).Milliseconds()),
		}, "")
		if rep.Err != nil {
			return reject(i.hostError("CallbackError", rep.Err.Kind, rep.Err.Message))
		}
		return resolve(rep.Value)
	})
	return i.vm.ToValue(promise)
}

func (i *Instance) hostSleep(call goja.FunctionCall) goja.Value {
	r := i.active()
	d := time.Duration(call.Argument(0).ToFloat() * float64(time.Millisecond))
	if d < 0 {
		d = 0
	}
	if d > maxSleep {
		d = maxSleep
	}

	promise, resolve, _ := i.vm.NewPromise()
	timer := time.NewTimer(d)
	pend(r, timer.C, func(time.Time) error {
		return resolve(goja.Undefined())
	})
	return i.vm.ToValue(promise)
}

// netDisabled rejects a network promise when the run has no network broker.
func (i *Instance) netDisabled(r *run, reject func(any) error) bool {
	if r.host.Net != nil {
		return false
	}
	_ = reject(i.hostError("NetworkError", types.NetErrNotPermitted, "networking is disabled"))
	return true
}

func (i *Instance) netReject(reject func(any) error, e *types.NetError) error {
	return reject(i.hostError("NetworkError", e.Kind, e.Message))
}

func (i *Instance) netUnavailable(reject func(any) error) {
	_ = reject(i.hostError("NetworkError", types.NetErrIO, "network broker is unavailable"))
}

func (i *Instance) hostConnect(call goja.FunctionCall) goja.Value {
	r := i.active()
	promise, resolve, reject := i.vm.NewPromise()
	if i.netDisabled(r, reject) {
		return i.vm.ToValue(promise)
	}

	host := call.Argument(0).String()
	port := call.Argument(1).ToInteger()
	if port < 1 || port > 65535 {
		_ = reject(i.vm.NewTypeError("port out of range: %d", port))
		return i.vm.ToValue(promise)
	}

	reply := make(chan types.HandleReply, 1)
	if !send[types.NetRequest](r, r.host.Net, types.TCPConnect{Host: host, Port: uint16(port), Reply: reply}) {
		i.netUnavailable(reject)
		return i.vm.ToValue(promise)
	}
	pend(r, reply, func(rep types.HandleReply) error {
		if rep.Err != nil {
			return i.netReject(reject, rep.Err)
		}
		return resolve(rep.Handle)
	})
	return i.vm.ToValue(promise)
}

func (i *Instance) hostUpgrade(call goja.FunctionCall) goja.Value {
	r := i.active()
	promise, resolve, reject := i.vm.NewPromise()
	if i.netDisabled(r, reject) {
		return i.vm.ToValue(promise)
	}

	reply := make(chan types.HandleReply, 1)
	req := types.TLSUpgrade{
		TCPHandle: handleArg(call.Argument(0)),
		Hostname:  call.Argument(1).String(),
		Reply:     reply,
	}
	if !send[types.NetRequest](r, r.host.Net, req) {
		i.netUnavailable(reject)
		return i.vm.ToValue(promise)
	}
	pend(r, reply, func(rep types.HandleReply) error {
		if rep.Err != nil {
			return i.netReject(reject, rep.Err)
		}
		return resolve(rep.Handle)
	})
	return i.vm.ToValue(promise)
}

func (i *Instance) hostRead(call goja.FunctionCall, secure bool) goja.Value {
	r := i.active()
	promise, resolve, reject := i.vm.NewPromise()
	if i.netDisabled(r, reject) {
		return i.vm.ToValue(promise)
	}

	handle := handleArg(call.Argument(0))
	n := int(call.Argument(1).ToInteger())
	if n < 1 {
		n = 1
	}
	if n > maxReadSize {
		n = maxReadSize
	}

	reply := make(chan types.ReadReply, 1)
	var req types.NetRequest = types.TCPRead{Handle: handle, Len: n, Reply: reply}
	if secure {
		req = types.TLSRead{Handle: handle, Len: n, Reply: reply}
	}
	if !send(r, r.host.Net, req) {
		i.netUnavailable(reject)
		return i.vm.ToValue(promise)
	}
	pend(r, reply, func(rep types.ReadReply) error {
		if rep.Err != nil {
			return i.netReject(reject, rep.Err)
		}
		return resolve(i.vm.NewArrayBuffer(rep.Data))
	})
	return i.vm.ToValue(promise)
}

func (i *Instance) hostWrite(call goja.FunctionCall, secure bool) goja.Value {
	r := i.active()
	promise, resolve, reject := i.vm.NewPromise()
	if i.netDisabled(r, reject) {
		return i.vm.ToValue(promise)
	}

	handle := handleArg(call.Argument(0))
	data := i.bytesArg(call.Argument(1))

	reply := make(chan types.WriteReply, 1)
	var req types.NetRequest = types.TCPWrite{Handle: handle, Data: data, Reply: reply}
	if secure {
		req = types.TLSWrite{Handle: handle, Data: data, Reply: reply}
	}
	if !send(r, r.host.Net, req) {
		i.netUnavailable(reject)
		return i.vm.ToValue(promise)
	}
	pend(r, reply, func(rep types.WriteReply) error {
		if rep.Err != nil {
			return i.netReject(reject, rep.Err)
		}
		return resolve(rep.N)
	})
	return i.vm.ToValue(promise)
}

func (i *Instance) hostClose(call goja.FunctionCall, secure bool) goja.Value {
	r := i.active()
	if r.host.Net == nil {
		return goja.Undefined()
	}
	handle := handleArg(call.Argument(0))
	var req types.NetRequest = types.TCPClose{Handle: handle}
	if secure {
		req = types.TLSClose{Handle: handle}
	}
	if !send(r, r.host.Net, req) {
		i.logger.Debug("Dropped close request", zap.Uint32("handle", handle))
	}
	return goja.Undefined()
}

func handleArg(v goja.Value) uint32 {
	n := v.ToInteger()
	if n < 0 || n > int64(^uint32(0)) {
		return 0
	}
	return uint32(n)
}

// bytesArg copies the contents of an ArrayBuffer argument. Strings are
// accepted and encoded as UTF-8.
func (i *Instance) bytesArg(v goja.Value) []byte {
	if buf, ok := v.Export().(goja.ArrayBuffer); ok {
		return append([]byte(nil), buf.Bytes()...)
	}
	if s, ok := v.Export().(string); ok {
		return []byte(s)
	}
	panic(i.vm.NewTypeError("expected an ArrayBuffer"))
}
