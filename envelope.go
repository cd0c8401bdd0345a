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
	"net/http"
	"net/url"
)

// Request is the envelope a caller hands to [Service.Handle]. The body is
// a complete buffer; this package does not stream request bodies. If the
// caller sets a Content-Encoding header, the body is encoded accordingly
// before transmission so the wire bytes match the declared encoding.
type Request struct {
	// Method is the HTTP method. Defaults to POST if empty, since GraphQL
	// subgraph fetches are POSTs.
	Method string
	// URL is the target. The scheme, together with the destination's
	// HTTP2Policy, selects the wire protocol.
	URL *url.URL
	// Header is the outgoing header set. May be nil.
	Header http.Header
	// Body is the raw, unencoded body.
	Body []byte
	// Context is the caller's opaque per-request metadata. Returned
	// unmodified on the Response, or attached to the error on failure.
	Context *Context
}

// Response is the envelope returned by a successful [Service.Handle]
// call.
type Response struct {
	// StatusCode is the peer's HTTP status code.
	StatusCode int
	// Header is the peer's response header set as received. If the peer
	// compressed the body, the Content-Encoding header is still present
	// here even though Body has been decoded.
	Header http.Header
	// Body is the complete response body, decoded according to the
	// peer's Content-Encoding header.
	Body []byte
	// Context is the same value the caller supplied on the Request.
	Context *Context
}
