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

// Package tlsconfig resolves per-destination TLS trust and identity
// material from PEM text into immutable [tls.Config] values.
//
// Each destination is resolved independently: two destinations never
// share or mutate each other's built material. All parsing happens at
// resolution time, so malformed certificate or key input fails when the
// owning service is constructed, never during a call. The resolved
// config is reused for arbitrarily many connections to its destination.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"dario.cat/mergo"
)

// ClientAuth is a client identity presented for mutual TLS. The
// certificate chain and private key are PEM text, not file paths;
// loading files is the configuration layer's concern.
type ClientAuth struct {
	// CertificateChain is the PEM-encoded certificate chain, leaf first.
	CertificateChain string
	// PrivateKey is the PEM-encoded private key for the leaf certificate.
	PrivateKey string
}

// ClientConfig is the TLS configuration consumed for one destination,
// or as the process-wide default that per-destination values are merged
// over.
type ClientConfig struct {
	// CertificateAuthorities is an optional PEM bundle of trust roots
	// that overrides the platform trust store for this destination. If
	// empty, the platform store is used.
	CertificateAuthorities string
	// ClientAuthentication is an optional client identity, presented
	// during the handshake only if the peer requests client
	// authentication.
	ClientAuthentication *ClientAuth
}

// Resolve builds the immutable TLS configuration for one destination.
// Fields left unset on override fall back to defaults; either may be
// nil. The returned config is independent of any other destination's and
// must not be mutated by the caller (clone it to customize).
func Resolve(destination string, override, defaults *ClientConfig) (*tls.Config, error) {
	var merged ClientConfig
	if override != nil {
		merged = *override
	}
	if defaults != nil {
		if err := mergo.Merge(&merged, *defaults); err != nil {
			return nil, fmt.Errorf("merging TLS defaults for destination %q: %w", destination, err)
		}
	}

	conf := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if merged.CertificateAuthorities != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(merged.CertificateAuthorities)) {
			return nil, fmt.Errorf("no usable certificates in CA bundle for destination %q", destination)
		}
		conf.RootCAs = pool
	}
	if auth := merged.ClientAuthentication; auth != nil {
		cert, err := tls.X509KeyPair([]byte(auth.CertificateChain), []byte(auth.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("loading client certificate for destination %q: %w", destination, err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	return conf, nil
}

// Registry is an immutable-after-build table of resolved TLS
// configurations, one per destination. Build a new Registry and swap it
// in to apply a configuration reload; never mutate one in place.
type Registry struct {
	configs map[string]*tls.Config
}

// NewRegistry resolves every destination in the given map against the
// shared defaults. Any malformed entry fails the whole build.
func NewRegistry(defaults *ClientConfig, destinations map[string]ClientConfig) (*Registry, error) {
	configs := make(map[string]*tls.Config, len(destinations))
	for name, override := range destinations {
		conf, err := Resolve(name, &override, defaults)
		if err != nil {
			return nil, err
		}
		configs[name] = conf
	}
	return &Registry{configs: configs}, nil
}

// Lookup returns the resolved configuration for a destination. The
// second result reports whether the destination is known.
func (r *Registry) Lookup(destination string) (*tls.Config, bool) {
	conf, ok := r.configs[destination]
	return conf, ok
}
