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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

// negotiator is the per-destination protocol decision table, compiled
// into concrete round-trippers at service construction so that per-call
// lookup is a read-only operation over immutable data.
//
// Two round-trippers cover the whole (scheme, policy) table:
//
//   - standard: "https" with ALPN according to the policy, and plain
//     HTTP/1.1 for "http". There is no implicit upgrade on cleartext.
//   - h2c: prior-knowledge HTTP/2 over cleartext, used for "http" only
//     when the policy is HTTP2Forced. No TLS, no upgrade request, no
//     ALPN; the peer must independently speak HTTP/2 or the exchange
//     fails with a negotiation error.
type negotiator struct {
	policy   HTTP2Policy
	standard *http.Transport
	h2c      *http2.Transport
}

func newNegotiator(tlsConf *tls.Config, policy HTTP2Policy, opts *options) *negotiator {
	conf := tlsConf.Clone()
	if conf == nil {
		conf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	standard := &http.Transport{
		Proxy:                  opts.proxyFunc,
		DialContext:            opts.dialFunc,
		ForceAttemptHTTP2:      policy != HTTP2Disabled,
		MaxIdleConns:           1,
		MaxIdleConnsPerHost:    1,
		IdleConnTimeout:        opts.idleConnTimeout,
		TLSHandshakeTimeout:    opts.tlsHandshakeTimeout,
		TLSClientConfig:        conf,
		MaxResponseHeaderBytes: opts.maxResponseHeaderBytes,
		ExpectContinueTimeout:  1 * time.Second,
		// The compress registry owns Content-Encoding on both sides, so
		// the transport must not negotiate or undo compression itself.
		DisableCompression: true,
	}
	if policy == HTTP2Disabled {
		conf.NextProtos = []string{"http/1.1"}
		// A non-nil empty map keeps net/http from registering its HTTP/2
		// handler even if the peer were to select it.
		standard.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	neg := &negotiator{policy: policy, standard: standard}
	if policy == HTTP2Forced {
		neg.h2c = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return opts.dialFunc(ctx, network, addr)
			},
			MaxHeaderListSize:  uint32(opts.maxResponseHeaderBytes),
			DisableCompression: true,
		}
	}
	return neg
}

// roundTripperFor selects the round-tripper for a request scheme. The
// second result reports whether the prior-knowledge h2c path was
// chosen, which classify needs to attribute framing failures.
func (n *negotiator) roundTripperFor(scheme string) (http.RoundTripper, bool, error) {
	switch scheme {
	case "https":
		return n.standard, false, nil
	case "http":
		if n.policy == HTTP2Forced {
			return n.h2c, true, nil
		}
		return n.standard, false, nil
	default:
		return nil, false, fmt.Errorf("unsupported URL scheme %q", scheme)
	}
}

func (n *negotiator) closeIdleConnections() {
	n.standard.CloseIdleConnections()
	if n.h2c != nil {
		n.h2c.CloseIdleConnections()
	}
}

// classify maps a round-trip failure onto the error taxonomy. Trust
// failures must be reported distinctly from protocol-negotiation
// failures so callers can tell trust misconfiguration from protocol
// misconfiguration.
func classify(err error, viaH2C bool) Kind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnect
	}
	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &verifyErr) {
		return KindConnect
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return KindConnect
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return KindConnect
	}
	var certInvalid x509.CertificateInvalidError
	if errors.As(err, &certInvalid) {
		return KindConnect
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		// the peer did not answer the handshake with TLS at all
		return KindConnect
	}
	var goAway http2.GoAwayError
	if errors.As(err, &goAway) {
		return KindProtocol
	}
	msg := err.Error()
	if strings.Contains(msg, "no application protocol") {
		// ALPN completed without agreeing on a protocol
		return KindProtocol
	}
	if strings.Contains(msg, "tls:") || strings.Contains(msg, "TLS handshake") {
		// remaining TLS alerts are handshake failures, including a peer
		// rejecting our client certificate
		return KindConnect
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindConnect
	}
	if viaH2C {
		// the connection was established but the peer did not speak
		// HTTP/2 framing back
		return KindProtocol
	}
	return KindTransport
}
