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

// HTTP2Policy controls whether and how HTTP/2 is used for a destination.
// The set is closed; together with the request's URL scheme it fully
// determines the wire protocol (see the package documentation).
type HTTP2Policy int

const (
	// HTTP2Disabled restricts the destination to HTTP/1.1, over TLS or
	// cleartext. ALPN proposes only "http/1.1".
	HTTP2Disabled HTTP2Policy = iota
	// HTTP2Enabled negotiates HTTP/2 or HTTP/1.1 via ALPN over TLS, and
	// speaks HTTP/1.1 over cleartext. This is the default.
	HTTP2Enabled
	// HTTP2Forced speaks cleartext HTTP/2 with prior knowledge ("h2c")
	// for "http" URLs: no TLS, no upgrade handshake, no ALPN. Over
	// "https" it behaves like HTTP2Enabled.
	HTTP2Forced
)

// String returns the policy's name.
func (p HTTP2Policy) String() string {
	switch p {
	case HTTP2Disabled:
		return "disabled"
	case HTTP2Enabled:
		return "enabled"
	case HTTP2Forced:
		return "forced"
	default:
		return "unknown"
	}
}
