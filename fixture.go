package fixd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

// fixtureScript is the declarative, file-based counterpart to the
// programmatic HandlerBuilder API: a single route entry that
// `LoadFixtureFile` turns into a registered Handler. Supplementing the
// core with a file format lets a test suite check fixtures into source
// control instead of constructing them purely in code.
type fixtureScript struct {
	Method      string            `json:"method" yaml:"method" toml:"method"`
	Resource    string            `json:"resource" yaml:"resource" toml:"resource"`
	ContentType string            `json:"contentType" yaml:"contentType" toml:"contentType"`
	Status      int               `json:"status" yaml:"status" toml:"status"`
	Body        string            `json:"body" yaml:"body" toml:"body"`
	Headers     map[string]string `json:"headers" yaml:"headers" toml:"headers"`

	AfterMillis int `json:"afterMillis" yaml:"afterMillis" toml:"afterMillis"`

	EveryMillis int `json:"everyMillis" yaml:"everyMillis" toml:"everyMillis"`
	EveryCount  int `json:"everyCount" yaml:"everyCount" toml:"everyCount"`

	UponMethod      string `json:"uponMethod" yaml:"uponMethod" toml:"uponMethod"`
	UponResource    string `json:"uponResource" yaml:"uponResource" toml:"uponResource"`
	UponContentType string `json:"uponContentType" yaml:"uponContentType" toml:"uponContentType"`
	TimeoutMillis   int    `json:"timeoutMillis" yaml:"timeoutMillis" toml:"timeoutMillis"`
}

type fixtureFile struct {
	Routes []fixtureScript `json:"routes" yaml:"routes" toml:"routes"`
}

// LoadFixtureFile reads path (.json, .toml, .yaml, or .yml) and registers
// one Handler per entry, in file order.
func (s *Server) LoadFixtureFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("fixd: read fixture file: %w", err)
	}

	var ff fixtureFile

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(raw, &ff); err != nil {
			return fmt.Errorf("fixd: parse json fixture file: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(raw), &ff); err != nil {
			return fmt.Errorf("fixd: parse toml fixture file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &ff); err != nil {
			return fmt.Errorf("fixd: parse yaml fixture file: %w", err)
		}
	default:
		return fmt.Errorf("fixd: unsupported fixture file extension %q", filepath.Ext(path))
	}

	for _, rt := range ff.Routes {
		s.applyFixtureScript(rt)
	}

	return nil
}

func (s *Server) applyFixtureScript(rt fixtureScript) {
	b := s.Handle(rt.Method, rt.Resource)
	b.With(rt.Status, rt.ContentType, rt.Body)

	for name, value := range rt.Headers {
		b.WithHeader(name, value)
	}

	switch {
	case rt.AfterMillis > 0:
		b.After(time.Duration(rt.AfterMillis) * time.Millisecond)
	case rt.EveryMillis > 0:
		b.Every(time.Duration(rt.EveryMillis)*time.Millisecond, rt.EveryCount)
	case rt.UponResource != "":
		b.Upon(rt.UponMethod, rt.UponResource, rt.UponContentType)
		if rt.TimeoutMillis > 0 {
			b.WithTimeout(time.Duration(rt.TimeoutMillis) * time.Millisecond)
		}
	}
}

// WatchFixtureFile loads path immediately and then re-loads it on every
// subsequent write, using an fsnotify watcher. Re-loading is additive:
// handlers registered under the same HandlerKey are simply overwritten in
// place, matching Server.Handle's own replace-on-reuse semantics.
//
// The returned stop function tears down the watcher goroutine; it does
// not unregister previously loaded handlers.
func (s *Server) WatchFixtureFile(path string) (stop func(), err error) {
	if err := s.LoadFixtureFile(path); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fixd: new watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("fixd: watch %s: %w", dir, err)
	}

	done := make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.LoadFixtureFile(path); err != nil {
					s.logger.Warnf("reload %s: %s", path, err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warnf("watch %s: %s", path, err)
			case <-done:
				watcher.Close()
				return
			}
		}
	}()

	return func() { close(done) }, nil
}
