// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/go-interpreter/crucible/classfile"
	"github.com/go-interpreter/crucible/runtime"
)

type initState int32

const (
	classNotInitialized initState = iota
	classInitializing
	classInitialized
)

// StaticSlot is the fixed-layout storage cell for one class-static field.
// Compiled code bakes &slot.value as an immediate (see select_amd64.go's
// ClassField pattern) the same way a resolved constant-pool entry would,
// so loads/stores never have to re-resolve the owning class.
type StaticSlot struct {
	value int64
}

// Class is a linked, runtime representation of a class: its superclass
// chain, field and method metadata, and its vtable. Field order up to
// `vtable` mirrors the layout the generated invokevirtual sequence
// expects: a Class is addressed by generated code as if it were itself an
// object with a header, and classMethodTableOffset is computed against
// that exact layout rather than assumed.
type Class struct {
	selfHeader [runtime.ObjectHeaderSize]byte // mirrors the header every heap object carries; the metaclass slot is unused in this exercise
	vtable     unsafe.Pointer                 // -> []uintptr, each entry the address of a *Method

	Name   string
	Super  *Class
	Loader *Loader
	CP     *classfile.ConstantPool // this class's own constant pool, consulted by the IR builder

	InstanceFields []*FieldRef // fields declared or inherited, in layout order
	StaticFields   map[string]*FieldRef
	Methods        []*Method
	vtableMethods  []*Method // logical table backing `vtable`, kept alive so the GC doesn't reclaim it
	vtableRaw      []uintptr // the actual []uintptr that vtable points into (see vtable.go)
	instanceSize   int       // bytes, header included

	mirror uintptr // address of the class-mirror object allocated at init

	initMu      sync.Mutex
	initCond    *sync.Cond // lazily built by cond(); blocks concurrent (different-thread) Init callers
	condOnce    sync.Once
	initState   initState
	initializer int64 // ID of the thread running Init, valid while initState == classInitializing
}

var classMethodTableOffset = unsafe.Offsetof(Class{}.vtable)

// ClassPtr returns the address generated code uses as the object header's
// class pointer.
func (c *Class) ClassPtr() uintptr { return uintptr(unsafe.Pointer(c)) }

// InstanceSize is the number of bytes (header included) an instance of c
// occupies.
func (c *Class) InstanceSize() int { return c.instanceSize }

// Loader links class images into Class values and owns the classes it has
// loaded, keyed by binary name; it is the classloader collaborator
// the JIT core otherwise treats as external, reduced here to the minimum it
// needs: resolving a superclass and caching already-linked classes.
type Loader struct {
	mu       sync.Mutex
	classes  map[string]*Class
	decode   func(name string) (*classfile.Class, error)
	compiler *Compiler
}

// NewLoader builds a Loader that fetches class images through decode (e.g.
// reading a .class file and calling classfile.Decode) and wires every
// loaded method's trampoline through compiler.
func NewLoader(decode func(name string) (*classfile.Class, error), compiler *Compiler) *Loader {
	return &Loader{classes: make(map[string]*Class), decode: decode, compiler: compiler}
}

// ErrClassNotFound is returned when the loader's decode callback cannot
// resolve a referenced class.
type ErrClassNotFound struct{ Name string }

func (e *ErrClassNotFound) Error() string { return fmt.Sprintf("vm: class not found: %s", e.Name) }

// Load resolves and links name, recursively loading its superclass first.
// Concurrent Load calls for the same class both succeed and return the
// same *Class.
func (l *Loader) Load(name string) (*Class, error) {
	l.mu.Lock()
	if c, ok := l.classes[name]; ok {
		l.mu.Unlock()
		return c, nil
	}
	l.mu.Unlock()

	img, err := l.decode(name)
	if err != nil {
		return nil, &ErrClassNotFound{Name: name}
	}
	c, err := l.link(img)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.classes[name]; ok {
		return existing, nil
	}
	l.classes[name] = c
	return c, nil
}

// link binds a decoded class image into a *Class: it resolves the
// superclass (transitively loading it), lays out fields, builds trampolines
// for every method, and assembles the vtable.
func (l *Loader) link(img *classfile.Class) (*Class, error) {
	name, err := img.ThisClassName()
	if err != nil {
		return nil, err
	}
	c := &Class{Name: name, Loader: l, CP: &img.CP, StaticFields: make(map[string]*FieldRef)}

	superName, err := img.SuperClassName()
	if err != nil {
		return nil, err
	}
	if superName != "" {
		c.Super, err = l.Load(superName)
		if err != nil {
			return nil, err
		}
	}

	if err := c.layoutFields(img); err != nil {
		return nil, err
	}
	if err := c.buildMethods(img); err != nil {
		return nil, err
	}
	buildVTable(c)

	return c, nil
}

func fieldJavaType(descriptor string) Type {
	if len(descriptor) == 0 {
		return TypeInt
	}
	switch descriptor[0] {
	case 'B':
		return TypeByte
	case 'Z':
		return TypeBool
	case 'C':
		return TypeChar
	case 'S':
		return TypeShort
	case 'I':
		return TypeInt
	case 'J':
		return TypeLong
	case 'F':
		return TypeFloat
	case 'D':
		return TypeDouble
	case 'L', '[':
		return TypeRef
	default:
		return TypeInt
	}
}

func (c *Class) layoutFields(img *classfile.Class) error {
	offset := 0
	if c.Super != nil {
		c.InstanceFields = append(c.InstanceFields, c.Super.InstanceFields...)
		offset = c.Super.instanceSize - runtime.ObjectHeaderSize
		for k, v := range c.Super.StaticFields {
			c.StaticFields[k] = v
		}
	}

	for _, f := range img.Fields {
		name, err := img.FieldName(f)
		if err != nil {
			return err
		}
		desc, err := img.FieldDescriptor(f)
		if err != nil {
			return err
		}
		fr := &FieldRef{Owner: c, Name: name, Type: fieldJavaType(desc), Static: f.AccessFlags.IsStatic()}
		if fr.Static {
			c.StaticFields[name] = fr
			fr.Slot = &StaticSlot{}
		} else {
			// Field offsets are counted in 4-byte units: the selector
			// addresses instance fields with a memindex scaled by 4
			// (see InstanceField in select_amd64.go).
			fr.Offset = offset / 4
			offset += 4
			c.InstanceFields = append(c.InstanceFields, fr)
		}
	}
	c.instanceSize = runtime.ObjectHeaderSize + offset
	return nil
}

func methodJavaReturnType(descriptor string) Type {
	i := len(descriptor) - 1
	if i < 0 {
		return TypeVoid
	}
	return fieldJavaTypeOrVoid(descriptor[i:])
}

func fieldJavaTypeOrVoid(descriptor string) Type {
	if descriptor == "V" {
		return TypeVoid
	}
	return fieldJavaType(descriptor)
}

func countArgs(descriptor string) int {
	n := 0
	i := 1 // skip leading '('
	for i < len(descriptor) && descriptor[i] != ')' {
		for descriptor[i] == '[' {
			i++
		}
		if descriptor[i] == 'L' {
			for descriptor[i] != ';' {
				i++
			}
		}
		i++
		n++
	}
	return n
}

func (c *Class) buildMethods(img *classfile.Class) error {
	for _, m := range img.Methods {
		name, err := img.MethodName(m)
		if err != nil {
			return err
		}
		desc, err := img.MethodDescriptor(m)
		if err != nil {
			return err
		}
		method := &Method{
			Name:         name,
			Descriptor:   desc,
			Owner:        c,
			IsStatic:     m.AccessFlags.IsStatic(),
			ArgsCount:    countArgs(desc),
			ReturnType:   methodJavaReturnType(desc),
			Code:         m.Code,
			VirtualIndex: -1,
		}
		if !method.IsStatic {
			method.ArgsCount++ // `this` occupies slot 0
		}
		method.trampoline = newTrampoline(method, c.Loader.compiler)
		c.Methods = append(c.Methods, method)
	}
	return nil
}

// Init initializes the class: the superclass is initialized
// first, the class mirror is allocated, then invoke runs the class
// initializer (<clinit>) if one is declared. Recursive re-entry on
// `thread` - a static initializer that references its own class - observes
// the class as already initializing (beginInit compares the caller's
// thread ID against the recorded initializer) and returns without
// recursing. A genuinely concurrent caller - a different thread - blocks
// in beginInit until initialization completes, rather than racing ahead
// past a half-initialized class (no superclass init, no mirror, <clinit>
// still running). Waiters are released even when initialization fails;
// the state still advances to Initialized, since transitions are monotonic
// and there is no de-initialization.
func (c *Class) Init(thread *runtime.Thread, heap *runtime.Heap, invoke func(*Method) error) error {
	if !c.beginInit(thread) {
		return nil
	}
	defer c.finishInit()

	if c.Super != nil {
		if err := c.Super.Init(thread, heap, invoke); err != nil {
			return err
		}
	}

	mirror, err := heap.AllocObject(c.ClassPtr(), runtime.ObjectHeaderSize)
	if err != nil {
		return err
	}
	atomic.StoreUintptr(&c.mirror, mirror)

	for _, m := range c.Methods {
		if m.Name == "<clinit>" && m.IsStatic {
			return invoke(m)
		}
	}
	return nil
}

// cond lazily builds the condition variable other threads wait on in
// beginInit, backed by initMu.
func (c *Class) cond() *sync.Cond {
	c.condOnce.Do(func() { c.initCond = sync.NewCond(&c.initMu) })
	return c.initCond
}

// beginInit reports whether the calling thread must itself run c's
// initialization (super-init, mirror allocation, <clinit>): true the first
// time any thread calls Init on c. A later call on the same thread while
// initState is still classInitializing is the recursive re-entry case
// (thread.ID == c.initializer) and returns false without blocking, so the
// recursion terminates. A call from any other thread while classInitializing blocks on
// initMu/cond until the initializing thread reaches finishInit;
// a call once classInitialized also returns false immediately.
func (c *Class) beginInit(thread *runtime.Thread) bool {
	cond := c.cond()
	c.initMu.Lock()
	defer c.initMu.Unlock()
	for c.initState == classInitializing && c.initializer != thread.ID {
		cond.Wait()
	}
	if c.initState != classNotInitialized {
		return false
	}
	c.initState = classInitializing
	c.initializer = thread.ID
	return true
}

// finishInit advances c to classInitialized and wakes any threads blocked
// in beginInit.
func (c *Class) finishInit() {
	cond := c.cond()
	c.initMu.Lock()
	c.initState = classInitialized
	c.initMu.Unlock()
	cond.Broadcast()
}

// FieldRef describes a resolved field: either a static slot baked in at
// link time, or an instance offset consumed by the InstanceField pattern.
type FieldRef struct {
	Owner  *Class
	Name   string
	Type   Type
	Static bool
	Offset int         // instance fields: 4-byte-unit offset past the object header
	Slot   *StaticSlot // static fields only
}

// ResolveField looks up a field by name, instance or static, walking the
// superclass chain.
func (c *Class) ResolveField(name string) (*FieldRef, error) {
	if f, ok := c.StaticFields[name]; ok {
		return f, nil
	}
	for _, f := range c.InstanceFields {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("vm: class %s has no field %q", c.Name, name)
}

// ResolveMethod looks up a declared-or-inherited method by name and
// descriptor.
func (c *Class) ResolveMethod(name, descriptor string) (*Method, error) {
	for cur := c; cur != nil; cur = cur.Super {
		for _, m := range cur.Methods {
			if m.Name == name && m.Descriptor == descriptor {
				return m, nil
			}
		}
	}
	return nil, fmt.Errorf("vm: class %s has no method %s%s", c.Name, name, descriptor)
}
