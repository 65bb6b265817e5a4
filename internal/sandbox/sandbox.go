// Package sandbox executes admin-authored response-transformation code in
// isolated Lua VMs with no ambient I/O and a hard wall-clock timeout.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// DefaultTimeout bounds a transform when the entry does not set one.
const DefaultTimeout = 200 * time.Millisecond

// EntryFunc is the global function a transform script must define.
const EntryFunc = "transform"

var (
	// ErrNoEntryFunc means the script did not define a callable transform
	// entry function.
	ErrNoEntryFunc = errors.New("script does not define a callable " + EntryFunc + " function")
	// ErrAmbiguousBody means the result set more than one body field.
	ErrAmbiguousBody = errors.New("transform result sets more than one of body_base64, body_text, json")
)

// Input is the context object handed to the entry function.
type Input struct {
	Method     string
	TargetURL  string
	ReqHeaders http.Header
	ReqBody    []byte

	Status      int
	RespHeaders http.Header
	RespBody    []byte
}

// Output is the transform result. Zero-valued fields leave the response
// untouched; BodySet marks that the body was replaced.
type Output struct {
	Status  int
	Headers map[string]string
	Body    []byte
	BodySet bool
	SetJSON bool
}

// Runner executes transform scripts in pooled Lua VMs. Only the base,
// string, table, and math libraries are opened; there is no io, os, or
// network access from inside a script.
type Runner struct {
	pool   sync.Pool
	protos *lru.Cache[string, *lua.FunctionProto]
}

// NewRunner creates a Runner with a compiled-script cache of the given
// size (entries are keyed by a hash of the source).
func NewRunner(protoCacheSize int) *Runner {
	if protoCacheSize <= 0 {
		protoCacheSize = 128
	}
	protos, _ := lru.New[string, *lua.FunctionProto](protoCacheSize)
	r := &Runner{protos: protos}
	r.pool = sync.Pool{
		New: func() interface{} {
			return newSandboxedState()
		},
	}
	return r
}

func newSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenString(L)
	lua.OpenTable(L)
	lua.OpenMath(L)
	return L
}

// compile returns the cached FunctionProto for the script source.
func (r *Runner) compile(code string) (*lua.FunctionProto, error) {
	sum := sha256.Sum256([]byte(code))
	key := hex.EncodeToString(sum[:])
	if proto, ok := r.protos.Get(key); ok {
		return proto, nil
	}

	chunk, err := parse.Parse(strings.NewReader(code), EntryFunc)
	if err != nil {
		return nil, fmt.Errorf("parse transform script: %w", err)
	}
	proto, err := lua.Compile(chunk, EntryFunc)
	if err != nil {
		return nil, fmt.Errorf("compile transform script: %w", err)
	}
	r.protos.Add(key, proto)
	return proto, nil
}

// Run executes the script against the input within the timeout. On any
// failure the caller must treat the transform as a no-op; the error
// describes what went wrong for the audit trail.
func (r *Runner) Run(ctx context.Context, code string, timeout time.Duration, in *Input) (*Output, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	proto, err := r.compile(code)
	if err != nil {
		return nil, err
	}

	L := r.pool.Get().(*lua.LState)
	healthy := false
	defer func() {
		if healthy {
			L.RemoveContext()
			r.pool.Put(L)
		} else {
			// A failed or timed-out script may leave the VM in an
			// arbitrary state; tear it down instead of pooling it.
			L.Close()
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	L.SetContext(runCtx)

	// Clear any entry function left behind by a previous script.
	L.SetGlobal(EntryFunc, lua.LNil)

	if err := L.CallByParam(lua.P{
		Fn:      L.NewFunctionFromProto(proto),
		NRet:    0,
		Protect: true,
	}); err != nil {
		return nil, fmt.Errorf("run transform script: %w", err)
	}

	fn, ok := L.GetGlobal(EntryFunc).(*lua.LFunction)
	if !ok {
		return nil, ErrNoEntryFunc
	}

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, buildContextTable(L, in)); err != nil {
		return nil, fmt.Errorf("call %s: %w", EntryFunc, err)
	}

	ret := L.Get(-1)
	L.Pop(1)

	out, err := parseResult(ret)
	if err != nil {
		return nil, err
	}

	healthy = true
	return out, nil
}

// buildContextTable assembles the ctx argument:
//
//	ctx.request  = {method, target_url, headers, body_base64}
//	ctx.response = {status, headers, body_base64, json}
//
// json is only populated when the response decodes as JSON.
func buildContextTable(L *lua.LState, in *Input) *lua.LTable {
	req := L.NewTable()
	req.RawSetString("method", lua.LString(in.Method))
	req.RawSetString("target_url", lua.LString(in.TargetURL))
	req.RawSetString("headers", headerTable(L, in.ReqHeaders))
	req.RawSetString("body_base64", lua.LString(base64.StdEncoding.EncodeToString(in.ReqBody)))

	resp := L.NewTable()
	resp.RawSetString("status", lua.LNumber(in.Status))
	resp.RawSetString("headers", headerTable(L, in.RespHeaders))
	resp.RawSetString("body_base64", lua.LString(base64.StdEncoding.EncodeToString(in.RespBody)))

	if len(in.RespBody) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(in.RespBody, &decoded); err == nil {
			resp.RawSetString("json", goToLua(L, decoded))
		}
	}

	ctx := L.NewTable()
	ctx.RawSetString("request", req)
	ctx.RawSetString("response", resp)
	return ctx
}

func headerTable(L *lua.LState, h http.Header) *lua.LTable {
	t := L.NewTable()
	for name, values := range h {
		if len(values) > 0 {
			t.RawSetString(strings.ToLower(name), lua.LString(values[0]))
		}
	}
	return t
}

// parseResult reads the override table returned by the entry function.
// nil means no-op. Exactly one of body_base64, body_text, json may be set.
func parseResult(v lua.LValue) (*Output, error) {
	if v == lua.LNil {
		return &Output{}, nil
	}
	t, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("transform result is %s, want table or nil", v.Type())
	}

	out := &Output{}

	if status, ok := t.RawGetString("status").(lua.LNumber); ok {
		out.Status = int(status)
	}

	if headers, ok := t.RawGetString("headers").(*lua.LTable); ok {
		out.Headers = make(map[string]string)
		headers.ForEach(func(k, v lua.LValue) {
			out.Headers[k.String()] = v.String()
		})
	}

	bodyFields := 0

	if b64, ok := t.RawGetString("body_base64").(lua.LString); ok {
		bodyFields++
		body, err := base64.StdEncoding.DecodeString(string(b64))
		if err != nil {
			return nil, fmt.Errorf("decode body_base64: %w", err)
		}
		out.Body = body
		out.BodySet = true
	}

	if text, ok := t.RawGetString("body_text").(lua.LString); ok {
		bodyFields++
		out.Body = []byte(text)
		out.BodySet = true
	}

	if j := t.RawGetString("json"); j != lua.LNil {
		bodyFields++
		decoded := luaToGo(j)
		body, err := json.Marshal(decoded)
		if err != nil {
			return nil, fmt.Errorf("encode json result: %w", err)
		}
		out.Body = body
		out.BodySet = true
		out.SetJSON = true
	}

	if bodyFields > 1 {
		return nil, ErrAmbiguousBody
	}

	return out, nil
}
