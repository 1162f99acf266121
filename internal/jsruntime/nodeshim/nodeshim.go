// Copyright 2025 James Ross
// Package nodeshim enables a fixed, enumerated set of Node.js-compatible
// globals and `require`-able modules inside an extension's goja runtime.
// Anything not in this set is simply absent: `require("fs")` fails with
// "module not found" rather than silently degrading.
package nodeshim

import (
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/buffer"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	"github.com/dop251/goja_nodejs/util"
)

// Known is the closed set of module/global names this runtime can enable.
// RuntimeConfig.NodeModulesEnabled is validated against this set; unknown
// entries are ignored rather than rejected, so a config typo degrades to
// "module not found" instead of crashing startup.
var Known = map[string]struct{}{
	"console": {},
	"buffer":  {},
	"util":    {},
	"events":  {},
	"timers":  {},
}

func enabled(set []string, name string) bool {
	for _, s := range set {
		if s == name {
			return true
		}
	}
	return false
}

// Enable wires registry-backed modules and globals into vm according to
// the enabled set, using loop for anything that needs to post work back
// onto the runtime's single thread (timers).
func Enable(vm *goja.Runtime, registry *require.Registry, loop *eventloop.EventLoop, enabledModules []string) {
	if enabled(enabledModules, "console") {
		console.Enable(vm)
	}
	if enabled(enabledModules, "buffer") {
		buffer.Enable(vm)
	}
	if enabled(enabledModules, "util") {
		util.Enable(vm)
	}
	if enabled(enabledModules, "events") {
		registerEventsModule(registry)
	}
	if enabled(enabledModules, "timers") {
		registerTimerGlobals(vm, loop)
	} else {
		// The event loop installs its own timer globals on every runtime it
		// creates; remove them so timers exist only when enabled.
		for _, name := range []string{"setTimeout", "clearTimeout", "setInterval", "clearInterval", "setImmediate", "clearImmediate"} {
			_ = vm.GlobalObject().Delete(name)
		}
	}
}

// eventsModuleSource is a minimal Node-compatible EventEmitter, sufficient
// for extensions that just need on/off/once/emit — not the full Node API.
const eventsModuleSource = `
function EventEmitter() { this._listeners = {}; }
EventEmitter.prototype.on = function(event, fn) {
	(this._listeners[event] = this._listeners[event] || []).push(fn);
	return this;
};
EventEmitter.prototype.once = function(event, fn) {
	var self = this;
	function wrapper() { self.off(event, wrapper); fn.apply(self, arguments); }
	return this.on(event, wrapper);
};
EventEmitter.prototype.off = function(event, fn) {
	var list = this._listeners[event];
	if (!list) return this;
	this._listeners[event] = list.filter(function(l) { return l !== fn; });
	return this;
};
EventEmitter.prototype.emit = function(event) {
	var list = this._listeners[event];
	if (!list) return false;
	var args = Array.prototype.slice.call(arguments, 1);
	list.slice().forEach(function(fn) { fn.apply(null, args); });
	return true;
};
module.exports = { EventEmitter: EventEmitter };
`

func registerEventsModule(registry *require.Registry) {
	registry.RegisterNativeModule("events", func(vm *goja.Runtime, module *goja.Object) {
		wrapper, err := vm.RunProgram(goja.MustCompile("events.js", "(function(module, exports){"+eventsModuleSource+"\n})", false))
		if err != nil {
			panic(err)
		}
		call, ok := goja.AssertFunction(wrapper)
		if !ok {
			panic("nodeshim: events module wrapper is not callable")
		}
		exports := module.Get("exports")
		if _, err := call(goja.Undefined(), module, exports); err != nil {
			panic(err)
		}
	})
}

func registerTimerGlobals(vm *goja.Runtime, loop *eventloop.EventLoop) {
	vm.Set("setTimeout", func(fn func(), ms int64) interface{} {
		return loop.SetTimeout(func(*goja.Runtime) { fn() }, time.Duration(ms)*time.Millisecond)
	})
	vm.Set("clearTimeout", func(t *eventloop.Timer) {
		loop.ClearTimeout(t)
	})
	vm.Set("setInterval", func(fn func(), ms int64) interface{} {
		return loop.SetInterval(func(*goja.Runtime) { fn() }, time.Duration(ms)*time.Millisecond)
	})
	vm.Set("clearInterval", func(i *eventloop.Interval) {
		loop.ClearInterval(i)
	})
}
