package sandboxworker

import (
	"fmt"

	"github.com/dop251/goja"
)

// deniedModules are the require() targets that would grant filesystem or
// network capability if goja actually implemented them. goja ships
// neither a "fs" nor a "net"/"http" module, so the denial is really just
// making require() itself fail loudly and consistently rather than with
// whatever obscure error an absent module would otherwise produce.
var deniedModules = map[string]bool{
	"fs": true, "node:fs": true, "fs/promises": true,
	"child_process": true, "node:child_process": true,
	"net": true, "node:net": true,
	"http": true, "node:http": true,
	"https": true, "node:https": true,
	"dgram": true, "node:dgram": true,
	"dns": true, "node:dns": true,
}

// permissionError builds the JS exception the Sandbox throws for every
// denied capability. Its literal text carries "PermissionError" so that
// stderr produced by a denied call reads the same way across the fleet of
// sandboxed capabilities.
func permissionError(rt *goja.Runtime, capability string) goja.Value {
	return rt.NewGoError(fmt.Errorf("PermissionError: %s is not permitted in this sandbox", capability))
}

// installSandbox removes filesystem and network capability from rt and
// installs the handful of computation-safe globals user code is allowed
// to see. It must run before any user code is evaluated and must run
// exactly once per Runtime: applied once per worker, at startup, and it
// persists for the worker's whole lifetime.
func installSandbox(rt *goja.Runtime, out *captureBuffer) error {
	if err := rt.Set("print", func(call goja.FunctionCall) goja.Value {
		for i, arg := range call.Arguments {
			if i > 0 {
				out.stdout.WriteByte(' ')
			}
			out.stdout.WriteString(arg.String())
		}
		out.stdout.WriteByte('\n')
		return goja.Undefined()
	}); err != nil {
		return err
	}

	denyOpen := func(call goja.FunctionCall) goja.Value {
		panic(permissionError(rt, "open"))
	}
	if err := rt.Set("open", denyOpen); err != nil {
		return err
	}

	fetchDenied := func(call goja.FunctionCall) goja.Value {
		panic(permissionError(rt, "fetch"))
	}
	if err := rt.Set("fetch", fetchDenied); err != nil {
		return err
	}

	require := func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if deniedModules[name] {
			panic(permissionError(rt, "require(\""+name+"\")"))
		}
		panic(rt.NewGoError(fmt.Errorf("module not found: %s", name)))
	}
	if err := rt.Set("require", require); err != nil {
		return err
	}

	process := rt.NewObject()
	if err := process.Set("cwd", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue("/")
	}); err != nil {
		return err
	}
	if err := rt.Set("process", process); err != nil {
		return err
	}

	return nil
}
