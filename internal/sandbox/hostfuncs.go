package sandbox

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// buildHostModule exports the host functions a plugin instance may call.
// Two enforcement models apply, matching the grant kinds: http_fetch and
// the store functions are always linked but check their http:/store:
// grants per call at the host boundary (the allowed host or scope is an
// argument, so it cannot be decided at link time); hostfn:-gated
// functions are only exported when granted, so a module importing an
// ungranted one fails instantiation, at registration thanks to the
// trial instantiate, never mid-conversation.
//
// Denied calls return a zero-length result rather than trapping: wazero
// traps are fatal to the whole module instance, and a capability check
// failure should surface as an ordinary tool error the model can react to.
func (h *Host) buildHostModule(ctx context.Context, plugin *Plugin) (api.Module, error) {
	builder := h.runtime.NewHostModuleBuilder("env")

	if plugin.Capabilities.AllowsHostFn("host_log") {
		builder.NewFunctionBuilder().
			WithFunc(func(ctx context.Context, m api.Module, msgPtr, msgLen uint32) {
				msg, ok := m.Memory().Read(msgPtr, msgLen)
				if !ok {
					return
				}
				slog.Info("sandbox.plugin.log", "plugin", plugin.Name, "message", string(msg))
			}).
			Export("host_log")
	}

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, hostPtr, hostLen, pathPtr, pathLen, bodyPtr, bodyLen uint32) uint64 {
			host, _ := m.Memory().Read(hostPtr, hostLen)
			path, _ := m.Memory().Read(pathPtr, pathLen)
			body, _ := m.Memory().Read(bodyPtr, bodyLen)

			if !plugin.Capabilities.AllowsHost(string(host)) {
				slog.Warn("sandbox.hostfn.http_fetch.denied", "plugin", plugin.Name, "host", string(host))
				return packResult(m, nil)
			}
			resp, err := httpFetch(ctx, string(host), string(path), body)
			if err != nil {
				slog.Warn("sandbox.hostfn.http_fetch.failed", "plugin", plugin.Name, "host", string(host), "error", err)
				return packResult(m, nil)
			}
			return packResult(m, resp)
		}).
		Export("http_fetch")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, scopePtr, scopeLen, keyPtr, keyLen uint32) uint64 {
			scope, _ := m.Memory().Read(scopePtr, scopeLen)
			key, _ := m.Memory().Read(keyPtr, keyLen)
			if !plugin.Capabilities.AllowsStore(string(scope)) {
				return packResult(m, nil)
			}
			val := h.store.get(string(scope), string(key))
			return packResult(m, val)
		}).
		Export("store_get")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, scopePtr, scopeLen, keyPtr, keyLen, valPtr, valLen uint32) uint32 {
			scope, _ := m.Memory().Read(scopePtr, scopeLen)
			key, _ := m.Memory().Read(keyPtr, keyLen)
			val, _ := m.Memory().Read(valPtr, valLen)
			if !plugin.Capabilities.AllowsStore(string(scope)) {
				return 0
			}
			h.store.set(string(scope), string(key), val)
			return 1
		}).
		Export("store_set")

	return builder.Instantiate(ctx)
}

// packResult writes data into the calling module's own memory via its
// agentgate_alloc export and returns a packed (ptr<<32|len) handle, the
// same convention callPlugin expects for a tool's return value.
func packResult(m api.Module, data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	alloc := m.ExportedFunction(allocFuncName)
	if alloc == nil {
		return 0
	}
	results, err := alloc.Call(context.Background(), uint64(len(data)))
	if err != nil {
		return 0
	}
	ptr := uint32(results[0])
	if !m.Memory().Write(ptr, data) {
		return 0
	}
	return uint64(ptr)<<32 | uint64(len(data))
}

var httpFetchClient = &http.Client{Timeout: 10 * time.Second}

func httpFetch(ctx context.Context, host, path string, body []byte) ([]byte, error) {
	method := http.MethodGet
	var reqBody io.Reader
	if len(body) > 0 {
		method = http.MethodPost
		reqBody = bytesReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, "https://"+host+path, reqBody)
	if err != nil {
		return nil, err
	}
	resp, err := httpFetchClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func bytesReader(b []byte) io.Reader { return &byteReaderAdapter{b: b} }

type byteReaderAdapter struct {
	b   []byte
	pos int
}

func (r *byteReaderAdapter) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

// scopedStore is the in-memory key-value space backing the store:
// capability. It never touches disk: plugin state does not survive a
// process restart, matching the sandbox's no-cross-call-filesystem-state
// rule at the process level too.
type scopedStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

func newScopedStore() *scopedStore {
	return &scopedStore{data: make(map[string]map[string][]byte)}
}

func (s *scopedStore) get(scope, key string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[scope][key]
}

func (s *scopedStore) set(scope, key string, val []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[scope] == nil {
		s.data[scope] = make(map[string][]byte)
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	s.data[scope][key] = cp
}
