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
	"errors"
	"fmt"
)

var (
	errServiceClosed = errors.New("service is closed")
	errPoolClosed    = errors.New("pool is closed")
)

// Kind classifies failures surfaced by this package. The set is closed:
// callers can switch over it exhaustively to decide, for example, which
// failures their own retry policy applies to.
type Kind int

const (
	// KindConfig indicates malformed certificate, key, or PEM material, or
	// an unknown destination, detected when a service is constructed. A
	// service is never returned alongside a KindConfig error, so the
	// failure cannot be retried per call.
	KindConfig Kind = iota + 1
	// KindConnect indicates a DNS, TCP connect, or TLS handshake failure,
	// including trust-chain validation failures and a peer rejecting the
	// presented client certificate.
	KindConnect
	// KindProtocol indicates the peer refused the proposed wire protocol:
	// an ALPN mismatch, or an h2c attempt against a peer that does not
	// speak HTTP/2 over cleartext.
	KindProtocol
	// KindDecode indicates a corrupt compressed stream, or an unsupported
	// Content-Encoding token on either the request or the response.
	KindDecode
	// KindTransport indicates a mid-stream I/O failure after a connection
	// was successfully established.
	KindTransport
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindConnect:
		return "connect"
	case KindProtocol:
		return "protocol_negotiation"
	case KindDecode:
		return "decode"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error is the error type returned by this package. It carries the
// destination the call was bound to and the caller's opaque per-request
// Context, so the calling layer can attach correlation identifiers when
// logging a failure without having intercepted the call.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Destination is the destination the failing service is bound to.
	Destination string
	// Context is the caller-supplied Context of the failing request, if
	// the failure happened during a call. It is nil for construction-time
	// failures.
	Context *Context
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Destination != "" {
		return fmt.Sprintf("httpfed: %s: destination %q: %v", e.Kind, e.Destination, e.Err)
	}
	return fmt.Sprintf("httpfed: %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func configError(destination string, err error) *Error {
	return &Error{Kind: KindConfig, Destination: destination, Err: err}
}

func callError(kind Kind, destination string, callCtx *Context, err error) *Error {
	return &Error{Kind: kind, Destination: destination, Context: callCtx, Err: err}
}
