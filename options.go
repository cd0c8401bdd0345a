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
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/bufbuild/httpfed/compress"
	"github.com/rs/zerolog"
)

//nolint:gochecknoglobals
var defaultDialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

// Option customizes the behavior of a [Service] or every service owned
// by a [Pool].
type Option interface {
	apply(*options)
}

// WithLogger configures the logger used for transport-level events:
// protocol selection at construction, discarded connections, idle
// eviction. If not specified, nothing is logged.
func WithLogger(logger zerolog.Logger) Option {
	return optionFunc(func(opts *options) {
		opts.logger = logger
	})
}

// WithDialer configures the service to use the given function to
// establish network connections. If no WithDialer option is provided,
// a default [net.Dialer] is used that uses a 30-second dial timeout and
// configures the connection to use TCP keep-alive every 30 seconds.
func WithDialer(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return optionFunc(func(opts *options) {
		opts.dialFunc = dialFunc
	})
}

// WithProxy configures how the service interacts with HTTP proxies for
// reaching destinations. The given proxyFunc returns the URL of a proxy
// server to use for the given HTTP request, or nil, nil if no proxy
// should be used. If no WithProxy option is provided,
// [http.ProxyFromEnvironment] is used.
func WithProxy(proxyFunc func(*http.Request) (*url.URL, error)) Option {
	return optionFunc(func(opts *options) {
		opts.proxyFunc = proxyFunc
	})
}

// WithNoProxy returns an option that disables use of HTTP proxies.
func WithNoProxy() Option {
	return WithProxy(
		// never use a proxy
		func(*http.Request) (*url.URL, error) { return nil, nil })
}

// WithTLSHandshakeTimeout limits the duration of TLS handshakes. If
// zero or no WithTLSHandshakeTimeout option is used, a default of 10
// seconds is applied, so a peer that mandates client authentication we
// cannot satisfy fails the call instead of hanging it.
func WithTLSHandshakeTimeout(duration time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.tlsHandshakeTimeout = duration
	})
}

// WithMaxResponseHeaderBytes configures the maximum size of response
// headers to consume. If zero or if no WithMaxResponseHeaderBytes
// option is used, a 1 MB limit (2^20 bytes) is applied.
func WithMaxResponseHeaderBytes(limit int) Option {
	return optionFunc(func(opts *options) {
		opts.maxResponseHeaderBytes = int64(limit)
	})
}

// WithIdleConnectionTimeout configures a timeout for how long an idle
// network connection to a destination remains open. If zero or no
// WithIdleConnectionTimeout option is used, idle connections are left
// open indefinitely. If destinations or intermediaries place time
// limits on idle connections, configure this below that limit so the
// service does not pick a connection the peer is concurrently closing.
func WithIdleConnectionTimeout(duration time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.idleConnTimeout = duration
	})
}

// WithIdleServiceTimeout configures how long a [Pool] keeps an unused
// service before evicting it and closing its connections. If zero or no
// WithIdleServiceTimeout option is used, a default of 15 minutes is
// applied. It has no effect on a directly constructed [Service].
func WithIdleServiceTimeout(duration time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.idleServiceTimeout = duration
	})
}

// WithCodecs configures the compression codec registry used to encode
// request bodies and decode response bodies. If not specified, a
// registry supporting gzip is used.
func WithCodecs(registry *compress.Registry) Option {
	return optionFunc(func(opts *options) {
		opts.codecs = registry
	})
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	logger                 zerolog.Logger
	dialFunc               func(ctx context.Context, network, addr string) (net.Conn, error)
	proxyFunc              func(*http.Request) (*url.URL, error)
	tlsHandshakeTimeout    time.Duration
	maxResponseHeaderBytes int64
	idleConnTimeout        time.Duration
	idleServiceTimeout     time.Duration
	codecs                 *compress.Registry
}

func (opts *options) applyDefaults() {
	if opts.dialFunc == nil {
		opts.dialFunc = defaultDialer.DialContext
	}
	if opts.proxyFunc == nil {
		opts.proxyFunc = http.ProxyFromEnvironment
	}
	if opts.tlsHandshakeTimeout == 0 {
		opts.tlsHandshakeTimeout = 10 * time.Second
	}
	if opts.maxResponseHeaderBytes == 0 {
		opts.maxResponseHeaderBytes = 1 << 20
	}
	if opts.idleServiceTimeout == 0 {
		opts.idleServiceTimeout = 15 * time.Minute
	}
	if opts.codecs == nil {
		opts.codecs = compress.NewRegistry()
	}
}

func newOptions(opts ...Option) *options {
	var built options
	built.logger = zerolog.Nop()
	for _, opt := range opts {
		opt.apply(&built)
	}
	built.applyDefaults()
	return &built
}
