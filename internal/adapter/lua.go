// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package adapter

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// LuaAdapter runs scripted model backends. Each script defines a global
// function
//
//	function execute(task_type, request_json, api_key) return result_json end
//
// and may call flow.get(json, path) and flow.set(json, path, value) to read and
// rewrite JSON. Raising a Lua error fails the attempt.
type LuaAdapter struct {
	pool sync.Pool

	mu     sync.RWMutex
	protos map[string]*lua.FunctionProto
}

// NewLuaAdapter creates an adapter with a pool of sandboxed Lua states.
func NewLuaAdapter() *LuaAdapter {
	a := &LuaAdapter{protos: make(map[string]*lua.FunctionProto)}
	a.pool.New = func() interface{} {
		L := lua.NewState(lua.Options{SkipOpenLibs: true})
		// Only side-effect free libraries; no os, io or package loading.
		lua.OpenBase(L)
		lua.OpenTable(L)
		lua.OpenString(L)
		lua.OpenMath(L)
		L.SetGlobal("dofile", lua.LNil)
		L.SetGlobal("loadfile", lua.LNil)
		registerFlowModule(L)
		return L
	}
	return a
}

// Load compiles the script at path and caches it.
func (a *LuaAdapter) Load(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read lua script: %w", err)
	}
	return a.LoadSource(path, string(src))
}

// LoadSource compiles src under name and caches it.
func (a *LuaAdapter) LoadSource(name, src string) error {
	chunk, err := parse.Parse(strings.NewReader(src), name)
	if err != nil {
		return fmt.Errorf("parse lua script %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return fmt.Errorf("compile lua script %s: %w", name, err)
	}
	a.mu.Lock()
	a.protos[name] = proto
	a.mu.Unlock()
	log.Debugf("lua adapter: loaded %s", name)
	return nil
}

// Execute implements Adapter.
func (a *LuaAdapter) Execute(ctx context.Context, call Call) ([]byte, error) {
	if call.Model == nil {
		return nil, fmt.Errorf("lua adapter: missing model")
	}
	a.mu.RLock()
	proto, ok := a.protos[call.Model.Script]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("lua adapter: script %q not loaded for model %s", call.Model.Script, call.Model.ID)
	}

	L := a.pool.Get().(*lua.LState)
	defer func() {
		L.RemoveContext()
		L.SetTop(0)
		a.pool.Put(L)
	}()
	L.SetContext(ctx)
	// States are shared across scripts.
	L.SetGlobal("execute", lua.LNil)

	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return nil, fmt.Errorf("lua adapter: load %s: %w", call.Model.Script, err)
	}
	fn, ok := L.GetGlobal("execute").(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("lua adapter: %s does not define execute()", call.Model.Script)
	}
	err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true},
		lua.LString(call.TaskType), lua.LString(string(call.Request)), lua.LString(call.Credential.Key))
	if err != nil {
		return nil, fmt.Errorf("lua adapter: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	if ret == lua.LNil {
		return nil, fmt.Errorf("lua adapter: %s returned nil", call.Model.Script)
	}

	out := []byte(ret.String())
	if !gjson.ValidBytes(out) {
		out, _ = sjson.SetBytes([]byte(`{}`), "content", ret.String())
	}
	return out, nil
}

func registerFlowModule(L *lua.LState) {
	mod := L.NewTable()
	L.SetField(mod, "get", L.NewFunction(func(L *lua.LState) int {
		v := gjson.Get(L.CheckString(1), L.CheckString(2))
		switch v.Type {
		case gjson.Null:
			L.Push(lua.LNil)
		case gjson.Number:
			L.Push(lua.LNumber(v.Num))
		case gjson.True, gjson.False:
			L.Push(lua.LBool(v.Bool()))
		case gjson.String:
			L.Push(lua.LString(v.Str))
		default:
			L.Push(lua.LString(v.Raw))
		}
		return 1
	}))
	L.SetField(mod, "set", L.NewFunction(func(L *lua.LState) int {
		doc, path := L.CheckString(1), L.CheckString(2)
		var value interface{}
		switch v := L.Get(3).(type) {
		case lua.LNumber:
			value = float64(v)
		case lua.LBool:
			value = bool(v)
		case lua.LString:
			value = string(v)
		default:
			value = nil
		}
		out, err := sjson.Set(doc, path, value)
		if err != nil {
			L.RaiseError("flow.set: %v", err)
			return 0
		}
		L.Push(lua.LString(out))
		return 1
	}))
	L.SetGlobal("flow", mod)
}
