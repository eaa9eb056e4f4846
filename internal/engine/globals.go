package engine

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"slices"
	"strconv"
	"time"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/enclave/internal/snapshot"
)

const maxValueDepth = 256

// intrinsics are builtins captured before any image or guest code runs, so
// capture and restore do not depend on globals the guest can replace.
type intrinsics struct {
	objectProto *goja.Object
	errorCtor   *goja.Object
	dateCtor    *goja.Object
	mapCtor     *goja.Object
	setCtor     *goja.Object
	bytesCtor   *goja.Object
	mapEntries  goja.Callable
	setValues   goja.Callable
}

var helpersProgram = goja.MustCompile("intrinsics.js", `(function () {
	var from = Array.from, entries = Map.prototype.entries, values = Set.prototype.values;
	return {
		mapEntries: function (m) { return from(entries.call(m)); },
		setValues: function (s) { return from(values.call(s)); },
	};
})()`, true)

func captureIntrinsics(vm *goja.Runtime) (intrinsics, error) {
	var in intrinsics
	global := vm.GlobalObject()
	ctor := func(name string) (*goja.Object, error) {
		obj, ok := global.Get(name).(*goja.Object)
		if !ok {
			return nil, fmt.Errorf("builtin %s is missing", name)
		}
		return obj, nil
	}

	var err error
	if in.errorCtor, err = ctor("Error"); err != nil {
		return in, err
	}
	if in.dateCtor, err = ctor("Date"); err != nil {
		return in, err
	}
	if in.mapCtor, err = ctor("Map"); err != nil {
		return in, err
	}
	if in.setCtor, err = ctor("Set"); err != nil {
		return in, err
	}
	if in.bytesCtor, err = ctor("Uint8Array"); err != nil {
		return in, err
	}
	object, err := ctor("Object")
	if err != nil {
		return in, err
	}
	in.objectProto = object.Get("prototype").ToObject(vm)

	v, err := vm.RunProgram(helpersProgram)
	if err != nil {
		return in, err
	}
	helpers := v.ToObject(vm)
	var ok bool
	if in.mapEntries, ok = goja.AssertFunction(helpers.Get("mapEntries")); !ok {
		return in, errors.New("mapEntries helper is not callable")
	}
	if in.setValues, ok = goja.AssertFunction(helpers.Get("setValues")); !ok {
		return in, errors.New("setValues helper is not callable")
	}
	return in, nil
}

// UserGlobals returns the names of global bindings created by guest code:
// global object properties in creation order, then top-level let, const
// and class bindings in declaration order.
func (i *Instance) UserGlobals() []string {
	var names []string
	for _, n := range i.vm.GlobalObject().GetOwnPropertyNames() {
		if _, ok := i.baseline[n]; !ok {
			names = append(names, n)
		}
	}
	for _, n := range i.lexical {
		if !slices.Contains(names, n) {
			names = append(names, n)
		}
	}
	return names
}

// lookup reads a user global. Lexical bindings shadow global object
// properties and are not reachable through the global object, so they are
// read by evaluating the name.
func (i *Instance) lookup(name string) (goja.Value, error) {
	if !slices.Contains(i.lexical, name) {
		return i.vm.GlobalObject().Get(name), nil
	}
	v, err := i.vm.RunString(name)
	if err != nil {
		var ex *goja.Exception
		if errors.As(err, &ex) {
			return nil, fmt.Errorf("unreadable binding: %s", ex.Value().String())
		}
		return nil, err
	}
	return v, nil
}

// Capture converts every serializable user global into a snapshot value.
// Globals that cannot be represented are reported in skipped. Lexical
// bindings are captured by value and come back as global object properties
// on restore.
func (i *Instance) Capture() (bindings []snapshot.Binding, skipped []snapshot.Skipped) {
	for _, name := range i.UserGlobals() {
		v, err := i.lookup(name)
		if err != nil {
			skipped = append(skipped, snapshot.Skipped{Name: name, Reason: err.Error()})
			continue
		}
		c := capturer{in: &i.intrinsics, vm: i.vm, seen: map[*goja.Object]struct{}{}}
		val, err := c.value(v, 0)
		if err != nil {
			skipped = append(skipped, snapshot.Skipped{Name: name, Reason: err.Error()})
			continue
		}
		bindings = append(bindings, snapshot.Binding{Name: name, Value: val})
	}
	return bindings, skipped
}

// Clear drops every user global. Globals assigned at run time are deleted
// in place. var and function declarations are not deletable and lexical
// bindings cannot be removed from a live runtime, so when any exist Clear
// instead rebuilds the interpreter: the image and its pre-warm state are
// evaluated again into a fresh runtime.
func (i *Instance) Clear() error {
	if i.cur != nil {
		return fmt.Errorf("%w: clear during a run", ErrInternal)
	}
	if len(i.lexical) == 0 && i.deleteUserGlobals() {
		return nil
	}
	return i.init()
}

// deleteUserGlobals deletes user globals from the global object and reports
// whether all of them could be deleted.
func (i *Instance) deleteUserGlobals() bool {
	global := i.vm.GlobalObject()
	for _, name := range i.UserGlobals() {
		if err := global.Delete(name); err != nil {
			return false
		}
	}
	return true
}

// Restore replaces all user globals with bindings. Names reserved by the
// image are ignored.
func (i *Instance) Restore(bindings []snapshot.Binding) error {
	if err := i.Clear(); err != nil {
		return err
	}
	return i.setBindings(bindings)
}

func (i *Instance) setBindings(bindings []snapshot.Binding) error {
	global := i.vm.GlobalObject()
	for _, b := range bindings {
		if _, reserved := i.baseline[b.Name]; reserved {
			continue
		}
		v, err := i.build(b.Value, 0)
		if err != nil {
			return fmt.Errorf("restoring %s: %w", b.Name, err)
		}
		if err := global.Set(b.Name, v); err != nil {
			return fmt.Errorf("restoring %s: %w", b.Name, err)
		}
	}
	return nil
}

type capturer struct {
	in   *intrinsics
	vm   *goja.Runtime
	seen map[*goja.Object]struct{}
}

func (c *capturer) value(v goja.Value, depth int) (snapshot.Value, error) {
	if depth > maxValueDepth {
		return snapshot.Value{}, errors.New("value nested too deeply")
	}
	if v == nil || goja.IsUndefined(v) {
		return snapshot.Undefined(), nil
	}
	if goja.IsNull(v) {
		return snapshot.Null(), nil
	}
	if _, ok := v.(*goja.Symbol); ok {
		return snapshot.Value{}, errors.New("symbol")
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return primitive(v)
	}

	if _, cyclic := c.seen[obj]; cyclic {
		return snapshot.Value{}, errors.New("circular reference")
	}
	c.seen[obj] = struct{}{}
	defer delete(c.seen, obj)

	switch obj.ClassName() {
	case "Function":
		return snapshot.Value{}, errors.New("function")
	case "Promise":
		return snapshot.Value{}, errors.New("promise")
	case "Array":
		return c.array(obj, depth)
	case "Date":
		if t, ok := obj.Export().(time.Time); ok {
			return snapshot.Date(float64(t.UnixMilli())), nil
		}
		return snapshot.Date(math.NaN()), nil
	case "Map":
		entries, err := c.in.mapEntries(goja.Undefined(), obj)
		if err != nil {
			return snapshot.Value{}, err
		}
		items, err := c.pairs(entries.ToObject(c.vm), depth)
		if err != nil {
			return snapshot.Value{}, err
		}
		return snapshot.Map(items...), nil
	case "Set":
		values, err := c.in.setValues(goja.Undefined(), obj)
		if err != nil {
			return snapshot.Value{}, err
		}
		arr, err := c.array(values.ToObject(c.vm), depth)
		if err != nil {
			return snapshot.Value{}, err
		}
		return snapshot.Set(arr.Items...), nil
	}

	if c.vm.InstanceOf(obj, c.in.bytesCtor) {
		var data []byte
		if err := c.vm.ExportTo(obj, &data); err != nil {
			return snapshot.Value{}, err
		}
		return snapshot.Bytes(append([]byte(nil), data...)), nil
	}

	if obj.ClassName() != "Object" {
		return snapshot.Value{}, fmt.Errorf("unsupported type %s", obj.ClassName())
	}
	if proto := obj.Prototype(); proto != nil && proto != c.in.objectProto {
		return snapshot.Value{}, errors.New("unsupported class instance")
	}

	keys := obj.Keys()
	values := make([]snapshot.Value, 0, len(keys))
	for _, k := range keys {
		val, err := c.value(obj.Get(k), depth+1)
		if err != nil {
			return snapshot.Value{}, fmt.Errorf("property %s: %w", k, err)
		}
		values = append(values, val)
	}
	return snapshot.Object(keys, values), nil
}

func (c *capturer) array(obj *goja.Object, depth int) (snapshot.Value, error) {
	n := obj.Get("length").ToInteger()
	items := make([]snapshot.Value, 0, n)
	for idx := int64(0); idx < n; idx++ {
		val, err := c.value(obj.Get(strconv.FormatInt(idx, 10)), depth+1)
		if err != nil {
			return snapshot.Value{}, fmt.Errorf("index %d: %w", idx, err)
		}
		items = append(items, val)
	}
	return snapshot.Array(items...), nil
}

// pairs flattens an array of [key, value] arrays into alternating items.
func (c *capturer) pairs(obj *goja.Object, depth int) ([]snapshot.Value, error) {
	n := obj.Get("length").ToInteger()
	items := make([]snapshot.Value, 0, 2*n)
	for idx := int64(0); idx < n; idx++ {
		pair := obj.Get(strconv.FormatInt(idx, 10)).ToObject(c.vm)
		for _, field := range []string{"0", "1"} {
			val, err := c.value(pair.Get(field), depth+1)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", idx, err)
			}
			items = append(items, val)
		}
	}
	return items, nil
}

func primitive(v goja.Value) (snapshot.Value, error) {
	switch x := v.Export().(type) {
	case bool:
		return snapshot.Bool(x), nil
	case int64:
		return snapshot.Number(float64(x)), nil
	case float64:
		return snapshot.Number(x), nil
	case string:
		return snapshot.String(x), nil
	case *big.Int:
		return snapshot.BigInt(x.String()), nil
	default:
		return snapshot.Value{}, fmt.Errorf("unsupported value %T", x)
	}
}

// build converts a snapshot value back into a guest value.
func (i *Instance) build(v snapshot.Value, depth int) (goja.Value, error) {
	if depth > maxValueDepth {
		return nil, errors.New("value nested too deeply")
	}
	vm := i.vm
	switch v.Kind {
	case snapshot.KindUndefined:
		return goja.Undefined(), nil
	case snapshot.KindNull:
		return goja.Null(), nil
	case snapshot.KindBool:
		return vm.ToValue(v.Bool), nil
	case snapshot.KindNumber:
		return vm.ToValue(v.Num), nil
	case snapshot.KindString:
		return vm.ToValue(v.Str), nil
	case snapshot.KindBigInt:
		n, ok := new(big.Int).SetString(v.Str, 10)
		if !ok {
			return nil, fmt.Errorf("invalid bigint %q", v.Str)
		}
		return vm.ToValue(n), nil
	case snapshot.KindDate:
		return vm.New(i.intrinsics.dateCtor, vm.ToValue(v.Num))
	case snapshot.KindBytes:
		buf := vm.NewArrayBuffer(append([]byte(nil), v.Bytes...))
		return vm.New(i.intrinsics.bytesCtor, vm.ToValue(buf))
	case snapshot.KindArray, snapshot.KindSet, snapshot.KindMap:
		items, err := i.buildAll(v.Items, depth)
		if err != nil {
			return nil, err
		}
		switch v.Kind {
		case snapshot.KindArray:
			return vm.NewArray(items...), nil
		case snapshot.KindSet:
			return vm.New(i.intrinsics.setCtor, vm.NewArray(items...))
		}
		pairs := make([]any, 0, len(items)/2)
		for idx := 0; idx+1 < len(items); idx += 2 {
			pairs = append(pairs, vm.NewArray(items[idx], items[idx+1]))
		}
		return vm.New(i.intrinsics.mapCtor, vm.NewArray(pairs...))
	case snapshot.KindObject:
		obj := vm.NewObject()
		for idx, key := range v.Keys {
			val, err := i.build(v.Items[idx], depth+1)
			if err != nil {
				return nil, err
			}
			if err := obj.DefineDataProperty(key, val, goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
				return nil, err
			}
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unknown value kind %s", v.Kind)
	}
}

func (i *Instance) buildAll(values []snapshot.Value, depth int) ([]any, error) {
	out := make([]any, 0, len(values))
	for _, item := range values {
		val, err := i.build(item, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	return out, nil
}
