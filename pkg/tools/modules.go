package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Invocation is the call context handed to a handler: the model's arguments
// plus the run state the function may want (which provider and model asked,
// the call's opaque metadata, a run-scoped logger and a progress callback).
type Invocation struct {
	Args     map[string]any
	Provider string
	Model    string
	Metadata map[string]any
	Logger   *slog.Logger
	Progress func(message string)
}

// Handler is one compiled-in tool function.
type Handler func(ctx context.Context, inv Invocation) (any, error)

var (
	moduleMu    sync.RWMutex
	moduleFuncs = map[string]Handler{}
)

func moduleKey(module, function string) string {
	return module + "#" + function
}

// RegisterModuleFunc installs a compiled-in function a module route can
// invoke. Later registrations replace earlier ones so tests can stub
// functions.
func RegisterModuleFunc(module, function string, handler Handler) {
	moduleMu.Lock()
	defer moduleMu.Unlock()
	moduleFuncs[moduleKey(module, function)] = handler
}

func lookupModuleFunc(module, function string) (Handler, error) {
	moduleMu.RLock()
	defer moduleMu.RUnlock()
	handler, ok := moduleFuncs[moduleKey(module, function)]
	if !ok {
		return nil, fmt.Errorf("no registered function %s in module %s", function, module)
	}
	return handler, nil
}
