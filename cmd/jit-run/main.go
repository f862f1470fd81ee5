// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command jit-run loads a single .class file, links it, and JIT-compiles
// and calls one of its static methods, printing the result. It exists to
// exercise the full pipeline end to end: link -> lazy-compile trampoline ->
// instruction selection -> code emission -> call.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-interpreter/crucible/classfile"
	"github.com/go-interpreter/crucible/runtime"
	"github.com/go-interpreter/crucible/vm"
)

func main() {
	log.SetPrefix("jit-run: ")
	log.SetFlags(0)

	method := flag.String("method", "main", "name of the static method to invoke")
	descriptor := flag.String("descriptor", "()I", "descriptor of the method to invoke")
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	if err := run(flag.Arg(0), *method, *descriptor, flag.Args()[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(path, methodName, descriptor string, rawArgs []string) error {
	dir := filepath.Dir(path)
	className := strings.TrimSuffix(filepath.Base(path), ".class")

	compiler, err := vm.NewCompiler()
	if err != nil {
		return fmt.Errorf("create compiler: %w", err)
	}
	vm.SetCompiler(compiler)
	heap := runtime.NewHeap(0)
	vm.SetHeap(heap)

	loader := vm.NewLoader(classFileResolver(dir), compiler)
	class, err := loader.Load(className)
	if err != nil {
		return fmt.Errorf("load %s: %w", className, err)
	}

	registry := runtime.NewRegistry()
	thread := registry.Spawn(false)
	runClinit := func(m *vm.Method) error {
		_, err := compiler.Call(m, nil)
		return err
	}
	if err := class.Init(thread, heap, runClinit); err != nil {
		return fmt.Errorf("init %s: %w", className, err)
	}

	m, err := class.ResolveMethod(methodName, descriptor)
	if err != nil {
		return err
	}

	args := make([]uint64, len(rawArgs))
	for i, a := range rawArgs {
		n, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return fmt.Errorf("argument %d (%q): %w", i, a, err)
		}
		args[i] = uint64(n)
	}

	result, err := compiler.Call(m, args)
	if err != nil {
		return fmt.Errorf("call %s.%s%s: %w", className, methodName, descriptor, err)
	}
	fmt.Printf("%s.%s%s => %d\n", className, methodName, descriptor, int64(result))
	return nil
}

// classFileResolver returns a Loader decode callback that reads "name.class"
// out of dir, treating the binary class name as a path relative to it.
func classFileResolver(dir string) func(name string) (*classfile.Class, error) {
	return func(name string) (*classfile.Class, error) {
		f, err := os.Open(filepath.Join(dir, name+".class"))
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return classfile.Decode(f)
	}
}
