// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpfed

import (
	"sync"

	"github.com/google/uuid"
)

// Context is an opaque bag of per-request metadata owned entirely by the
// caller. This package threads it through unmodified: a successful call
// returns it on the [Response], and a failed call attaches it to the
// [*Error]. It is never read or interpreted here.
//
// It is distinct from [context.Context], which controls cancellation and
// deadlines; a call takes both.
type Context struct {
	id string

	mu      sync.RWMutex
	entries map[string]any
}

// NewContext returns an empty Context with a fresh correlation ID.
func NewContext() *Context {
	return &Context{
		id:      uuid.NewString(),
		entries: map[string]any{},
	}
}

// ID returns the correlation ID assigned when the Context was created.
func (c *Context) ID() string {
	return c.id
}

// Get returns the value stored under key, if any.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.entries[key]
	return value, ok
}

// Set stores value under key, replacing any previous value.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
}
