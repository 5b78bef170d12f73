package common

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/zombiego/zombie/network"
)

// fetchPrelude wraps the native __fetch in a promise based fetch.
const fetchPrelude = `
function fetch(url, init) {
	return new Promise(function (resolve, reject) {
		__fetch(String(url), init || {}, function (err, res) {
			if (err) {
				reject(new Error(err));
				return;
			}
			res.text = function () { return Promise.resolve(res.body); };
			res.json = function () {
				try {
					return Promise.resolve(JSON.parse(res.body));
				} catch (e) {
					return Promise.reject(e);
				}
			};
			resolve(res);
		});
	});
}
`

// newScriptEnv returns a runtime with the globals page scripts expect.
// Natives run on the goroutine that entered the runtime and must not take
// the window script lock.
func newScriptEnv(w *Window) (*goja.Runtime, error) {
	vm := goja.New()
	global := vm.GlobalObject()

	set := func(name string, v any) {
		if err := global.Set(name, v); err != nil {
			panic(vm.NewGoError(err))
		}
	}

	set("window", global)
	set("self", global)
	set("setTimeout", func(call goja.FunctionCall) goja.Value {
		return w.jsTimer(vm, call, false)
	})
	set("setInterval", func(call goja.FunctionCall) goja.Value {
		return w.jsTimer(vm, call, true)
	})
	clearTimer := func(call goja.FunctionCall) goja.Value {
		h := TimerHandle(call.Argument(0).ToInteger())
		if err := w.queue.clearTimer(h); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	}
	set("clearTimeout", clearTimer)
	set("clearInterval", clearTimer)
	set("console", w.jsConsole(vm))
	set("location", w.jsLocation(vm))
	set("document", w.jsDocument(vm))
	set("addEventListener", w.jsAddEventListener(vm))
	set("__fetch", func(call goja.FunctionCall) goja.Value {
		w.jsFetch(vm, call)
		return goja.Undefined()
	})

	if _, err := vm.RunString(fetchPrelude); err != nil {
		return nil, fmt.Errorf("installing fetch: %w", err)
	}
	return vm, nil
}

// jsTimer implements setTimeout and setInterval. The handler is either a
// function, called with the extra arguments, or source code.
func (w *Window) jsTimer(vm *goja.Runtime, call goja.FunctionCall, repeat bool) goja.Value {
	arg := call.Argument(0)
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond

	var fn Callback
	if callable, ok := goja.AssertFunction(arg); ok {
		var extra []goja.Value
		if len(call.Arguments) > 2 {
			extra = append(extra, call.Arguments[2:]...)
		}
		fn = func() error {
			return w.withVM(func(*goja.Runtime) error {
				if _, err := callable(goja.Undefined(), extra...); err != nil {
					return &ScriptError{Source: "timer", Err: err}
				}
				return nil
			})
		}
	} else if !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		src := arg.String()
		fn = func() error {
			return w.withVM(func(vm *goja.Runtime) error {
				if _, err := vm.RunString(src); err != nil {
					return &ScriptError{Source: "timer", Err: err}
				}
				return nil
			})
		}
	}

	h, err := w.queue.addTimer(fn, delay, repeat)
	if err != nil {
		panic(vm.NewGoError(err))
	}
	return vm.ToValue(int64(h))
}

func (w *Window) jsConsole(vm *goja.Runtime) *goja.Object {
	console := vm.NewObject()
	for _, level := range []string{"log", "info", "debug", "warn", "error"} {
		level := level
		_ = console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			w.console(level, strings.Join(parts, " "))
			return goja.Undefined()
		})
	}
	return console
}

func (w *Window) console(level, text string) {
	switch level {
	case "warn":
		w.logger.Warnf("console", "wid:%d %s", w.id, text)
	case "error":
		w.logger.Errorf("console", "wid:%d %s", w.id, text)
	case "debug":
		w.logger.Debugf("console", "wid:%d %s", w.id, text)
	default:
		w.logger.Infof("console", "wid:%d %s", w.id, text)
	}
	w.browser.emit(EventConsole, ConsoleEvent{Window: w, Level: level, Text: text})
}

func (w *Window) jsLocation(vm *goja.Runtime) *goja.Object {
	location := vm.NewObject()
	_ = location.DefineAccessorProperty("href", vm.ToValue(func(goja.FunctionCall) goja.Value {
		return vm.ToValue(w.URL())
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = location.Set("toString", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(w.URL())
	})
	return location
}

func (w *Window) jsDocument(vm *goja.Runtime) *goja.Object {
	document := vm.NewObject()
	_ = document.DefineAccessorProperty("title",
		vm.ToValue(func(goja.FunctionCall) goja.Value {
			return vm.ToValue(w.Doc().Title())
		}),
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			w.Doc().SetTitle(call.Argument(0).String())
			return goja.Undefined()
		}),
		goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = document.DefineAccessorProperty("URL", vm.ToValue(func(goja.FunctionCall) goja.Value {
		return vm.ToValue(w.URL())
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = document.Set("querySelector", func(call goja.FunctionCall) goja.Value {
		el := w.Doc().QuerySelector(call.Argument(0).String())
		if el == nil {
			return goja.Null()
		}
		return jsElement(vm, el)
	})
	_ = document.Set("addEventListener", w.jsAddEventListener(vm))
	return document
}

func jsElement(vm *goja.Runtime, el *Element) *goja.Object {
	obj := vm.NewObject()
	_ = obj.DefineAccessorProperty("textContent",
		vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(el.Text()) }),
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			el.SetText(call.Argument(0).String())
			return goja.Undefined()
		}),
		goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = obj.DefineAccessorProperty("innerHTML",
		vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(el.InnerHTML()) }),
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			el.SetInnerHTML(call.Argument(0).String())
			return goja.Undefined()
		}),
		goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = obj.DefineAccessorProperty("tagName",
		vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(el.TagName()) }),
		nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = obj.Set("getAttribute", func(call goja.FunctionCall) goja.Value {
		v, ok := el.Attr(call.Argument(0).String())
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(v)
	})
	return obj
}

// jsAddEventListener registers a page listener on the document. Listeners
// run with the script lock held, and their failures are reported without
// dispatching another error event.
func (w *Window) jsAddEventListener(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		typ := call.Argument(0).String()
		callable, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			return goja.Undefined()
		}
		w.Doc().AddEventListener(typ, func(typ string, detail any) {
			err := w.withVM(func(vm *goja.Runtime) error {
				ev := vm.NewObject()
				_ = ev.Set("type", typ)
				switch d := detail.(type) {
				case error:
					_ = ev.Set("error", d.Error())
					_ = ev.Set("message", d.Error())
				default:
					_ = ev.Set("data", d)
				}
				_, err := callable(goja.Undefined(), ev)
				return err
			})
			if err != nil {
				w.browser.reportError(&ScriptError{Source: typ + " listener", Err: err})
			}
		})
		return goja.Undefined()
	}
}

// jsFetch queues a request and calls back into the page with
// (error, response) once the response is dequeued.
func (w *Window) jsFetch(vm *goja.Runtime, call goja.FunctionCall) {
	rawURL := call.Argument(0).String()
	cb, ok := goja.AssertFunction(call.Argument(2))
	if !ok {
		panic(vm.NewTypeError("__fetch: callback is not a function"))
	}

	req := network.NewRequest(http.MethodGet, resolveURL(w.baseURL(), rawURL))
	if init := call.Argument(1).ToObject(vm); init != nil {
		if m := init.Get("method"); m != nil && !goja.IsUndefined(m) {
			req.Method = strings.ToUpper(m.String())
		}
		if h := init.Get("headers"); h != nil && !goja.IsUndefined(h) && !goja.IsNull(h) {
			ho := h.ToObject(vm)
			for _, k := range ho.Keys() {
				req.Headers.Set(k, ho.Get(k).String())
			}
		}
		if b := init.Get("body"); b != nil && !goja.IsUndefined(b) && !goja.IsNull(b) {
			req.Body = []byte(b.String())
		}
	}

	err := w.queue.HTTP(req, func(resp *network.Response, err error) error {
		return w.withVM(func(vm *goja.Runtime) error {
			var cerr error
			if err != nil {
				_, cerr = cb(goja.Undefined(), vm.ToValue(err.Error()), goja.Undefined())
			} else {
				_, cerr = cb(goja.Undefined(), goja.Null(), jsResponse(vm, resp))
			}
			if cerr != nil {
				return &ScriptError{Source: "fetch", Err: cerr}
			}
			return nil
		})
	})
	if err != nil {
		panic(vm.NewGoError(err))
	}
}

func jsResponse(vm *goja.Runtime, resp *network.Response) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("url", resp.URL)
	_ = obj.Set("status", resp.StatusCode)
	_ = obj.Set("statusText", resp.StatusText)
	_ = obj.Set("ok", resp.StatusCode >= 200 && resp.StatusCode < 300)
	_ = obj.Set("redirected", resp.Redirects > 0)
	_ = obj.Set("body", resp.Text())
	headers := vm.NewObject()
	for _, name := range resp.Headers.Names() {
		_ = headers.Set(name, resp.Headers.Get(name))
	}
	_ = obj.Set("headers", headers)
	return obj
}
