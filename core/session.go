package core

import "sync"

// CodeVerifierKey holds the PKCE verifier between authorize and exchange.
const CodeVerifierKey = "code_verifier"

// StateKey is the session key holding the pending state for a provider.
func StateKey(provider Provider) string {
	return string(provider) + "_oauth_state"
}

// Session is the request-scoped key-value context shared by the flow steps.
type Session interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
}

// Values is the in-memory Session the HTTP layer loads from and saves to a
// session store. The zero value is empty and ready to use.
type Values struct {
	mu    sync.Mutex
	data  map[string]string
	dirty bool
}

func NewValues(data map[string]string) *Values {
	if data == nil {
		data = make(map[string]string)
	}
	return &Values{data: data}
}

func (v *Values) Get(key string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	val, ok := v.data[key]
	return val, ok
}

func (v *Values) Set(key, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.data == nil {
		v.data = make(map[string]string)
	}
	v.data[key] = value
	v.dirty = true
}

func (v *Values) Delete(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.data[key]; ok {
		delete(v.data, key)
		v.dirty = true
	}
}

// Dirty reports whether the values changed since they were loaded.
func (v *Values) Dirty() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dirty
}

// Snapshot copies the current values.
func (v *Values) Snapshot() map[string]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]string, len(v.data))
	for k, val := range v.data {
		out[k] = val
	}
	return out
}
