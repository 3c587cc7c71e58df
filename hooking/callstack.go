package hooking

import (
	"fmt"
	"runtime"
	"strings"
)

// A Frame is one entry of a call stack.
type Frame struct {
	Filename string
	Line     int
	FuncName string
}

// GoCallstack returns the Go call stack of the caller, innermost first. skip
// is the number of additional frames to leave out above the caller.
func GoCallstack(skip int) []Frame {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}

	frames := make([]Frame, 0, n)
	iter := runtime.CallersFrames(pcs[:n])
	for {
		f, more := iter.Next()
		if f.Function != "" {
			frames = append(frames, Frame{
				Filename: f.File,
				Line:     f.Line,
				FuncName: f.Function,
			})
		}

		if !more {
			break
		}
	}

	return frames
}

// OperationCallstack returns the Go call stack of the code that began the
// running operation, innermost first. The frames of the callbacks and of this
// package are left out. If no operation is running, it returns the stack of
// the caller.
func OperationCallstack() []Frame {
	frames := GoCallstack(1)

	hookPkg := funcPackage(hookingFuncName())

	first := -1
	for i, f := range frames {
		if funcPackage(f.FuncName) == hookPkg {
			first = i
			break
		}
	}

	if first < 0 {
		return frames
	}

	last := first
	for last+1 < len(frames) && funcPackage(frames[last+1].FuncName) == hookPkg {
		last++
	}

	return frames[last+1:]
}

func hookingFuncName() string {
	pc, _, _, _ := runtime.Caller(0)
	return runtime.FuncForPC(pc).Name()
}

// funcPackage returns the import path part of a fully qualified function
// name, such as "a/b/pkg" for "a/b/pkg.(*T).Method.func1".
func funcPackage(name string) string {
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}

	slash := strings.LastIndexByte(name, '/')
	dot := strings.IndexByte(name[slash+1:], '.')
	if dot < 0 {
		return name
	}

	return name[:slash+1+dot]
}

// PrepareCallstack formats every frame as "file(line): func".
func PrepareCallstack(frames []Frame) []string {
	entries := make([]string, 0, len(frames))
	for _, f := range frames {
		entries = append(entries,
			fmt.Sprintf("%s(%d): %s", f.Filename, f.Line, f.FuncName))
	}

	return entries
}

// CallstackStr joins formatted frames into a single line.
func CallstackStr(entries []string) string {
	return strings.Join(entries, ";")
}
