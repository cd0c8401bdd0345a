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

import "github.com/bufbuild/httpfed/tlsconfig"

// Config is the resolved configuration this package consumes. Loading
// it from declarative files and reloading on change belong to the
// surrounding gateway; this package only reads the result. To apply a
// changed Config, build new services (or call [Pool.Reload]) rather
// than mutating one in place.
type Config struct {
	// HTTP2 is the process-wide protocol policy, overridable per
	// destination.
	HTTP2 HTTP2Policy
	// TLSDefaults optionally supplies trust material that destinations
	// fall back to for fields they leave unset.
	TLSDefaults *tlsconfig.ClientConfig
	// Destinations maps destination identifiers to their configuration.
	// A destination must appear here to be callable; a zero-value entry
	// uses the platform trust store and the process-wide policy.
	Destinations map[string]DestinationConfig
}

// DestinationConfig is the per-destination slice of a [Config].
type DestinationConfig struct {
	// TLS optionally overrides trust material for this destination.
	TLS *tlsconfig.ClientConfig
	// HTTP2 optionally overrides the process-wide protocol policy.
	HTTP2 *HTTP2Policy
}

// tlsOverrides extracts the per-destination TLS overrides in the shape
// [tlsconfig.NewRegistry] consumes. A destination without an override
// yields a zero ClientConfig, which uses the platform trust store.
func (c *Config) tlsOverrides() map[string]tlsconfig.ClientConfig {
	overrides := make(map[string]tlsconfig.ClientConfig, len(c.Destinations))
	for name, dc := range c.Destinations {
		var cc tlsconfig.ClientConfig
		if dc.TLS != nil {
			cc = *dc.TLS
		}
		overrides[name] = cc
	}
	return overrides
}

// policyFor returns the effective protocol policy for a destination
// already known to be present in the config.
func (c *Config) policyFor(destination string) HTTP2Policy {
	if dc, ok := c.Destinations[destination]; ok && dc.HTTP2 != nil {
		return *dc.HTTP2
	}
	return c.HTTP2
}
