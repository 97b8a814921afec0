// Copyright 2024 the lk-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vfs

import (
	"sync"

	"github.com/pkg/errors"
)

// Factory constructs a FileSystem from a device/session-specific blob of
// arguments (a block.BlockDevice for spifs, a ninep.Session for 9P); the
// registry only knows the name it was registered under, not the
// argument's concrete type, so it forwards `args` unmodified.
type Factory func(args any) (FileSystem, error)

// Registry maps filesystem type names ("spifs", "9p") to the Factory
// that constructs a mountable instance, mirroring how the teacher keeps
// a name -> constructor table for NodeFileSystem backends rather than
// switching on a type tag.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a Factory under name, replacing any previous
// registration (re-registering the same name is allowed so a caller can
// swap an implementation without restarting the process).
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New constructs a FileSystem using the Factory registered under name.
func (r *Registry) New(name string, args any) (FileSystem, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "vfs: no filesystem registered as %q", name)
	}
	return f(args)
}

// Names returns every registered filesystem type name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	return out
}
