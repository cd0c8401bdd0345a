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

// Package httpfed provides the outbound HTTP transport layer used by a
// GraphQL federation gateway to call its backend subgraph services. It
// handles the three concerns that make gateway egress harder than plain
// net/http usage: per-destination TLS trust (custom certificate
// authorities and optional mutual-TLS client identities), per-destination
// wire-protocol selection (TLS-negotiated HTTP/1.1 or HTTP/2, or forced
// cleartext HTTP/2, also called "h2c"), and header-driven body
// compression.
//
// The entry point for a single destination is [Service], created with
// [New] or [FromConfig]. A Service is bound to one destination, is safe
// for concurrent use, and its configuration is immutable once built.
// Each call to [Service.Handle] takes a [Request] envelope carrying the
// caller's opaque per-request [Context] value and returns a [Response]
// envelope (or a typed [*Error]) carrying that same value, so upstream
// layers keep their correlation data without intercepting failures.
//
// For a gateway that talks to many subgraphs, [Pool] owns one Service
// per destination, creating them lazily from the consumed configuration,
// evicting them after a period of disuse, and supporting atomic
// configuration reload via [Pool.Reload].
//
// # What this package does not do
//
// GraphQL parsing and execution, query planning, retry and timeout
// policy, and telemetry all live in the layers above. This package never
// interprets payloads, never retries, and never silently downgrades a
// protocol or falls back to a different trust configuration: every
// failure is reported as a typed error (see [Kind]).
//
// # Protocol selection
//
// The wire protocol for a request is a pure function of the request's
// URL scheme and the destination's [HTTP2Policy]:
//
//   - "https" always performs a TLS handshake, validating the peer
//     against the destination's resolved trust configuration. HTTP/2 is
//     proposed via ALPN unless the policy is [HTTP2Disabled]; the peer's
//     ALPN selection decides the actual protocol.
//   - "http" with [HTTP2Disabled] or [HTTP2Enabled] speaks plain
//     HTTP/1.1. There is no implicit upgrade.
//   - "http" with [HTTP2Forced] opens a cleartext connection and
//     immediately speaks HTTP/2 framing with no upgrade handshake
//     (prior-knowledge h2c). The peer must independently support this
//     or the exchange fails with a negotiation error.
//
// # Compression
//
// Bodies are transformed according to the literal Content-Encoding
// header on the message, never inferred from content. The caller
// declares intent on a request by setting the header; the codec makes
// the wire bytes match it. An absent header means bytes pass through
// unchanged, and an unsupported token is a hard error in both
// directions. See the [github.com/bufbuild/httpfed/compress] package.
package httpfed
