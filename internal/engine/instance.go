package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/callback"
	"github.com/GriffinCanCode/enclave/internal/shared/types"
	"github.com/GriffinCanCode/enclave/internal/shared/utils"
	"github.com/GriffinCanCode/enclave/internal/snapshot"
)

const (
	guestScript  = "main.js"
	maxCallStack = 1024
)

var (
	// ErrTimeout is returned when a run exceeds its deadline.
	ErrTimeout = errors.New("execution timed out")
	// ErrMemoryLimit is returned when a run grows the heap past the limit.
	ErrMemoryLimit = errors.New("memory limit exceeded")
	// ErrCancelled is returned when the run context is cancelled.
	ErrCancelled = errors.New("execution cancelled")
	// ErrInternal marks failures of the engine itself rather than guest code.
	ErrInternal = errors.New("engine failure")
)

// GuestError is an uncaught exception, rejected top-level promise or syntax
// error in guest code. Line is 1-based and 0 when unknown.
type GuestError struct {
	Message string
	Line    int
}

func (e *GuestError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s (line %d)", e.Message, e.Line)
	}
	return e.Message
}

// Config configures a new instance.
type Config struct {
	// Callbacks are exposed to the guest as async functions.
	Callbacks []callback.Descriptor
	// Env is exposed to the guest as the frozen env object.
	Env map[string]string
	// Network reports whether runs will carry a network channel.
	Network bool
	// MaxMemoryBytes bounds heap growth during a run. Zero disables the check.
	MaxMemoryBytes uint64
	Cache          ProgramCache
	Logger         *zap.Logger
}

// Host holds the request channels of one run. A nil Net channel disables
// networking for the run.
type Host struct {
	Callbacks chan<- types.CallbackRequest
	Net       chan<- types.NetRequest
	Trace     chan<- types.TraceRequest
	Output    chan<- types.OutputChunk
}

// Result describes a finished run.
type Result struct {
	Duration time.Duration
	// PeakMemoryBytes is nil when the run was not measured or overlapped
	// another run in the process.
	PeakMemoryBytes *uint64
}

// Instance is a live guest interpreter. It is not safe for concurrent use.
type Instance struct {
	image   *Image
	cfg     Config
	logger  *zap.Logger
	program *Script

	vm         *goja.Runtime
	intrinsics intrinsics
	baseline   map[string]struct{}
	lexical    []string
	cur        *run
}

// New creates an instance from img and evaluates the image into it.
func New(img *Image, cfg Config) (*Instance, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrInvalidImage)
	}
	if cfg.Cache == nil {
		cfg.Cache = DefaultCache()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	key := "image:" + img.Hash()
	prg, ok := cfg.Cache.Get(key)
	if !ok {
		var err error
		if prg, err = compileScript(img.Name, string(img.Source)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
		}
		cfg.Cache.Add(key, prg)
	}

	i := &Instance{
		image:   img,
		cfg:     cfg,
		logger:  cfg.Logger,
		program: prg,
	}
	if err := i.init(); err != nil {
		return nil, err
	}
	return i, nil
}

// init builds a fresh runtime, evaluates the image and records the names
// present afterwards as the baseline.
func (i *Instance) init() error {
	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStack)
	i.vm = vm
	i.lexical = nil

	in, err := captureIntrinsics(vm)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
	i.intrinsics = in

	if err := vm.Set("__host", i.hostObject()); err != nil {
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
	if _, err := vm.RunProgram(i.program.Program); err != nil {
		return fmt.Errorf("%w: evaluating %s: %v", ErrInvalidImage, i.image.Name, err)
	}
	if err := vm.GlobalObject().Delete("__host"); err != nil {
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}

	if len(i.image.Prewarm) > 0 {
		bindings, err := snapshot.Decode(i.image.Prewarm)
		if err != nil {
			return fmt.Errorf("%w: prewarm state: %w", ErrInvalidImage, err)
		}
		i.baseline = i.globalNames()
		if err := i.setBindings(bindings); err != nil {
			return fmt.Errorf("%w: prewarm state: %w", ErrInvalidImage, err)
		}
	}

	i.baseline = i.globalNames()
	return nil
}

// declareLexical records global lexical bindings created by a script.
func (i *Instance) declareLexical(names []string) {
	for _, n := range names {
		if !slices.Contains(i.lexical, n) {
			i.lexical = append(i.lexical, n)
		}
	}
}

func (i *Instance) globalNames() map[string]struct{} {
	names := i.vm.GlobalObject().GetOwnPropertyNames()
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// ReservedNames returns the global names guest state can never bind:
// language builtins, the image's API and the callback namespaces.
func (i *Instance) ReservedNames() []string {
	names := make([]string, 0, len(i.baseline))
	for n := range i.baseline {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var (
	reservedMu    sync.Mutex
	reservedCache = map[string][]string{}
)

// ReservedNames returns the names img defines before any callback is
// registered. Callback names may not start with one of them.
func ReservedNames(img *Image) ([]string, error) {
	reservedMu.Lock()
	defer reservedMu.Unlock()

	if names, ok := reservedCache[img.Hash()]; ok {
		return names, nil
	}
	inst, err := New(img, Config{})
	if err != nil {
		return nil, err
	}
	names := inst.ReservedNames()
	reservedCache[img.Hash()] = names
	return names, nil
}

// Run executes code and drives the event loop until the code, and the
// promise it evaluates to if any, settle. Host operations still pending at
// that point are abandoned.
func (i *Instance) Run(ctx context.Context, code string, host Host) (*Result, error) {
	start := time.Now()
	res := &Result{}

	r := newRun(ctx, host)
	i.cur = r
	defer func() {
		close(r.done)
		i.cur = nil
		res.Duration = time.Since(start)
	}()

	script, err := i.compile(code)
	if err == nil {
		r.offset = script.Offset
		i.declareLexical(script.Lexical)
		i.vm.ClearInterrupt()
		stop := i.watch(r)
		err = i.execute(r, script.Program)
		res.PeakMemoryBytes = stop()
	}

	var guestErr *GuestError
	if errors.As(err, &guestErr) {
		i.emit(r, guestErr.Line, traceEvent{Type: string(types.TraceException), Message: guestErr.Message}, "")
	}
	return res, err
}

func (i *Instance) execute(r *run, prg *goja.Program) error {
	v, err := i.vm.RunProgram(prg)
	if err != nil {
		return i.classify(r, err)
	}
	if v == nil {
		return nil
	}
	top, ok := v.Export().(*goja.Promise)
	if !ok {
		return nil
	}
	return i.drive(r, top)
}

// drive services host completions until top settles.
func (i *Instance) drive(r *run, top *goja.Promise) error {
	for top.State() == goja.PromiseStatePending {
		if r.pending == 0 {
			return &GuestError{Message: "execution stalled: awaited promise can never settle"}
		}
		select {
		case c := <-r.completions:
			r.pending--
			if err := c(); err != nil {
				return i.classify(r, err)
			}
		case err := <-r.tripped:
			return err
		}
	}
	if top.State() == goja.PromiseStateRejected {
		return i.rejection(r, top.Result())
	}
	return nil
}

// watch enforces the deadline and memory ceiling of r from a separate
// goroutine. The returned func stops it and reports peak heap growth, nil
// when the growth could not be attributed to this run.
func (i *Instance) watch(r *run) func() *uint64 {
	meter := newHeapMeter()
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(memorySampleInterval)
		defer ticker.Stop()

		for {
			select {
			case <-quit:
				return
			case <-r.ctx.Done():
				i.trip(r, contextError(r.ctx.Err()))
				return
			case <-ticker.C:
				growth, ok := meter.Observe()
				if ok && i.cfg.MaxMemoryBytes > 0 && growth > i.cfg.MaxMemoryBytes {
					i.trip(r, ErrMemoryLimit)
					return
				}
			}
		}
	}()

	return func() *uint64 {
		close(quit)
		wg.Wait()
		i.vm.ClearInterrupt()
		meter.Observe()
		meter.Close()
		return meter.Peak()
	}
}

func (i *Instance) trip(r *run, err error) {
	i.vm.Interrupt(err)
	r.tripped <- err
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// classify converts a goja error into an engine error.
func (i *Instance) classify(r *run, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if e, ok := interrupted.Value().(error); ok {
			return e
		}
		return fmt.Errorf("%w: %v", ErrCancelled, interrupted.Value())
	}
	var stackOverflow *goja.StackOverflowError
	if errors.As(err, &stackOverflow) {
		return &GuestError{Message: "RangeError: Maximum call stack size exceeded"}
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return &GuestError{
			Message: ex.Value().String(),
			Line:    frameLine(ex.Stack(), r.offset),
		}
	}
	return fmt.Errorf("%w: %w", ErrInternal, err)
}

var stackLine = regexp.MustCompile(regexp.QuoteMeta(guestScript) + `:(\d+):\d+`)

// rejection converts a rejected top-level promise into a GuestError.
func (i *Instance) rejection(r *run, reason goja.Value) error {
	if reason == nil {
		return &GuestError{Message: "undefined"}
	}
	e := &GuestError{Message: reason.String()}
	if obj, ok := reason.(*goja.Object); ok {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			e.Line = lineFromText(stack.String(), stackLine, r.offset)
		}
	}
	return e
}

func frameLine(frames []goja.StackFrame, offset int) int {
	for _, f := range frames {
		if f.SrcName() == guestScript {
			return adjustLine(f.Position().Line, offset)
		}
	}
	return 0
}

func lineFromText(text string, re *regexp.Regexp, offset int) int {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return adjustLine(n, offset)
}

func adjustLine(line, offset int) int {
	if line-offset < 1 {
		return 0
	}
	return line - offset
}

// currentLine returns the guest line being executed, or 0.
func (i *Instance) currentLine(r *run) int {
	return frameLine(i.vm.CaptureCallStack(0, nil), r.offset)
}

var syntaxLine = regexp.MustCompile(`Line (\d+):\d+`)

// compile compiles guest code. Code using top-level await is retried as the
// body of an async function, which shifts its line numbers by one.
func (i *Instance) compile(code string) (*Script, error) {
	key := "script:" + utils.DefaultHasher().Hash([]byte(code))

	if s, ok := i.cfg.Cache.Get(key); ok {
		return s, nil
	}
	s, err := compileScript(guestScript, code)
	if err != nil && strings.Contains(code, "await") {
		if wrapped, werr := compileAsync(guestScript, code); werr == nil {
			s, err = wrapped, nil
		}
	}
	if err != nil {
		return nil, &GuestError{
			Message: err.Error(),
			Line:    lineFromText(err.Error(), syntaxLine, 0),
		}
	}
	i.cfg.Cache.Add(key, s)
	return s, nil
}

// emit sends a trace event for the current run. Events are dropped when no
// trace channel is attached.
func (i *Instance) emit(r *run, line int, event traceEvent, context string) {
	data, err := sonic.MarshalString(event)
	if err != nil {
		i.logger.Debug("Failed to encode trace event", zap.Error(err))
		return
	}
	if line < 0 {
		line = 0
	}
	send(r, r.host.Trace, types.TraceRequest{
		Lineno:    uint32(line),
		EventJSON: data,
		Context:   context,
	})
}

type traceEvent struct {
	Type       string `json:"type"`
	Name       string `json:"name,omitempty"`
	Message    string `json:"message,omitempty"`
	DurationMs uint64 `json:"duration_ms,omitempty"`
}
