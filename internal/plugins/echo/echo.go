// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package echo is a minimal in-process plugin exercising the fabric's
// Plugin/Dispatcher contract end to end: a deployment can wire it in to
// sanity-check Activate/Invoke/Deactivate without standing up a real
// out-of-process worker.
package echo

import (
	"strings"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/pluginhost/internal/service"
)

// Classname is the configured PluginConfig.Classname this package's
// factory recognizes.
const Classname = "echo"

// Plugin implements service.Plugin and service.Dispatcher. Activation
// count and the last echoed method are tracked so tests and operators
// alike have something observable beyond "it responded".
type Plugin struct {
	activations atomic.Int64
	lastMethod  atomic.Value
}

// New constructs an idle echo plugin.
func New() *Plugin {
	p := &Plugin{}
	p.lastMethod.Store("")
	return p
}

// Factory is a registry.PluginFactory recognizing Classname.
func Factory(classname string) (service.Plugin, error) {
	if classname != Classname {
		return nil, &unknownClassError{classname: classname}
	}
	return New(), nil
}

type unknownClassError struct{ classname string }

func (e *unknownClassError) Error() string {
	return "echo: unknown classname " + e.classname
}

// Initialize implements service.Plugin.
func (p *Plugin) Initialize(ctx *service.InitContext) error {
	p.activations.Add(1)
	return nil
}

// Deinitialize implements service.Plugin.
func (p *Plugin) Deinitialize(ctx *service.InitContext) {}

// Invoke implements service.Dispatcher. The reserved method "ping"
// answers with the activation count and deliberately never errors, a
// cheap liveness probe for the channel layer's tests. Anything else is
// echoed back verbatim alongside the method name, uppercased, so
// callers can confirm their params round-tripped through JSON-RPC
// untouched.
func (p *Plugin) Invoke(channelID uint32, token string, method string, params json.RawMessage) (interface{}, error) {
	p.lastMethod.Store(method)

	if method == "ping" {
		return map[string]interface{}{"activations": p.activations.Load()}, nil
	}

	var echoed interface{}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &echoed)
	}
	return map[string]interface{}{
		"method": strings.ToUpper(method),
		"params": echoed,
	}, nil
}

// LastMethod reports the most recently invoked method name, for tests.
func (p *Plugin) LastMethod() string {
	return p.lastMethod.Load().(string)
}
