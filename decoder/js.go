package decoder

import (
	"fmt"
	"strconv"

	"github.com/dop251/goja"
)

// jsHost evaluates JavaScript decoders on a goja runtime. The runtime is
// created bare: no module loader, no host bindings, so the script can only
// compute over its input.
type jsHost struct {
	vm    *goja.Runtime
	parse goja.Callable
}

func newJSHost(source string) (*jsHost, error) {
	prog, err := goja.Compile("decoder", source, true)
	if err != nil {
		return nil, fmt.Errorf("decoder script compile failed: %w", err)
	}

	vm := goja.New()
	if _, err := vm.RunProgram(prog); err != nil {
		return nil, fmt.Errorf("decoder script evaluation failed: %w", err)
	}

	parse, ok := goja.AssertFunction(vm.Get("parse"))
	if !ok {
		return nil, ErrNoParseFunction
	}
	return &jsHost{vm: vm, parse: parse}, nil
}

func (h *jsHost) Parse(payload string) ([]string, error) {
	result, err := h.parse(goja.Undefined(), h.vm.ToValue(payload))
	if err != nil {
		return nil, fmt.Errorf("parse threw: %w", err)
	}
	return jsChannels(result)
}

func (h *jsHost) Close() {
	h.vm.Interrupt("host closed")
}

// jsChannels converts the script's return value into channel strings.
// Numbers are rendered with the shortest round-trip representation so
// "1.5" stays "1.5".
func jsChannels(v goja.Value) ([]string, error) {
	exported := v.Export()
	arr, ok := exported.([]any)
	if !ok {
		return nil, fmt.Errorf("parse returned %T, want an array", exported)
	}
	out := make([]string, len(arr))
	for i, el := range arr {
		switch x := el.(type) {
		case string:
			out[i] = x
		case int64:
			out[i] = strconv.FormatInt(x, 10)
		case float64:
			out[i] = strconv.FormatFloat(x, 'g', -1, 64)
		case bool:
			out[i] = strconv.FormatBool(x)
		case nil:
			out[i] = ""
		default:
			out[i] = fmt.Sprintf("%v", x)
		}
	}
	return out, nil
}
