// Package glue turns dynamically distributed handler source into runnable
// handler instances. A source text names a registered constructor through a
// directive line; building instantiates a fresh handler every time, so two
// builds of the same source never share state.
package glue

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"jobrig/internal/executor/handler"
)

// Directive marks the constructor a source block binds to, e.g.
//
//	//jobrig:handler reportBuilder
const Directive = "//jobrig:handler"

// Factory resolves source text to handler instances. Resolution results
// are cached by content hash; instantiation is never cached.
type Factory struct {
	mu    sync.RWMutex
	kinds map[string]func() handler.Handler

	cacheMu sync.Mutex
	cache   map[string]string // source hash -> kind name
}

func NewFactory() *Factory {
	return &Factory{
		kinds: make(map[string]func() handler.Handler),
		cache: make(map[string]string),
	}
}

// RegisterKind binds a directive name to a handler constructor.
func (f *Factory) RegisterKind(name string, ctor func() handler.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds[name] = ctor
}

// Handler wraps a built instance with the source version it came from, so
// the runtime can detect stale instances when the source is redeployed.
type Handler struct {
	handler.Handler
	version int64
}

func (h *Handler) Version() int64 { return h.version }

// Build instantiates a new handler from source. version is the source's
// update timestamp (unix ms).
func (f *Factory) Build(source string, version int64) (*Handler, error) {
	kind, err := f.resolve(source)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	ctor, ok := f.kinds[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("cannot convert glue source to a handler: unknown kind %q", kind)
	}
	return &Handler{Handler: ctor(), version: version}, nil
}

func (f *Factory) resolve(source string) (string, error) {
	sum := sha256.Sum256([]byte(source))
	key := hex.EncodeToString(sum[:])

	f.cacheMu.Lock()
	kind, ok := f.cache[key]
	f.cacheMu.Unlock()
	if ok {
		return kind, nil
	}

	kind, err := parseDirective(source)
	if err != nil {
		return "", err
	}
	f.cacheMu.Lock()
	f.cache[key] = kind
	f.cacheMu.Unlock()
	return kind, nil
}

func parseDirective(source string) (string, error) {
	for _, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, Directive) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, Directive))
		if rest == "" {
			break
		}
		return strings.Fields(rest)[0], nil
	}
	return "", fmt.Errorf("cannot convert glue source to a handler: no %s directive", Directive)
}
