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
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/bufbuild/httpfed/compress"
	"github.com/bufbuild/httpfed/tlsconfig"
	"github.com/rs/zerolog"
)

const contentEncodingHeader = "Content-Encoding"

// Service issues HTTP calls to one destination. It is safe for
// arbitrarily many concurrent [Service.Handle] calls: its trust
// material and compiled protocol policy are immutable after
// construction, and the underlying connection pools guard their own
// state.
type Service struct {
	destination string
	policy      HTTP2Policy
	codecs      *compress.Registry
	neg         *negotiator
	logger      zerolog.Logger

	closed atomic.Bool
}

// New returns a service bound to one destination using an already
// resolved TLS configuration. A nil tlsConf uses the platform trust
// store. Most callers use [FromConfig] or a [Pool] instead and let the
// trust configuration be resolved from PEM input.
func New(destination string, tlsConf *tls.Config, policy HTTP2Policy, opts ...Option) *Service {
	return newService(destination, tlsConf, policy, newOptions(opts...))
}

// FromConfig resolves the destination's trust configuration and
// protocol policy from the consumed configuration and returns a fully
// initialized service. Unknown destinations and malformed certificate
// or key material fail here, with a [KindConfig] error, never during a
// call.
func FromConfig(destination string, cfg *Config, opts ...Option) (*Service, error) {
	return fromConfig(destination, cfg, newOptions(opts...))
}

func fromConfig(destination string, cfg *Config, opts *options) (*Service, error) {
	dc, ok := cfg.Destinations[destination]
	if !ok {
		return nil, configError(destination, errors.New("unknown destination"))
	}
	tlsConf, err := tlsconfig.Resolve(destination, dc.TLS, cfg.TLSDefaults)
	if err != nil {
		return nil, configError(destination, err)
	}
	return newService(destination, tlsConf, cfg.policyFor(destination), opts), nil
}

func newService(destination string, tlsConf *tls.Config, policy HTTP2Policy, opts *options) *Service {
	logger := opts.logger.With().Str("destination", destination).Logger()
	svc := &Service{
		destination: destination,
		policy:      policy,
		codecs:      opts.codecs,
		neg:         newNegotiator(tlsConf, policy, opts),
		logger:      logger,
	}
	logger.Debug().Stringer("http2", policy).Msg("destination service built")
	return svc
}

// Destination returns the destination identifier this service is bound
// to.
func (s *Service) Destination() string {
	return s.destination
}

// Policy returns the protocol policy the service was built with.
func (s *Service) Policy() HTTP2Policy {
	return s.policy
}

// Handle sends one request and returns the complete response. It may be
// called concurrently and repeatedly; each invocation is independent.
//
// The outgoing body is encoded according to the Content-Encoding header
// the caller set on the request, and the incoming body is decoded
// according to the header the peer sent. Any failure is returned as a
// [*Error] classified per [Kind] and carrying the request's [Context].
func (s *Service) Handle(ctx context.Context, req *Request) (*Response, error) {
	if s.closed.Load() {
		return nil, callError(KindTransport, s.destination, req.Context, errServiceClosed)
	}
	if req.URL == nil {
		return nil, callError(KindConfig, s.destination, req.Context, errors.New("request has no URL"))
	}

	header := http.Header{}
	if req.Header != nil {
		header = req.Header.Clone()
	}
	body := req.Body
	if declared := header.Get(contentEncodingHeader); declared != "" {
		encoded, err := s.codecs.EncodeRequest(body, declared)
		if err != nil {
			return nil, callError(KindDecode, s.destination, req.Context, err)
		}
		body = encoded
	}

	roundTripper, viaH2C, err := s.neg.roundTripperFor(req.URL.Scheme)
	if err != nil {
		return nil, callError(KindProtocol, s.destination, req.Context, err)
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, callError(KindConfig, s.destination, req.Context, err)
	}
	httpReq.Header = header

	httpResp, err := roundTripper.RoundTrip(httpReq)
	if err != nil {
		kind := classify(err, viaH2C)
		s.logger.Debug().Err(err).Stringer("kind", kind).Msg("round trip failed")
		return nil, callError(kind, s.destination, req.Context, err)
	}

	raw, err := io.ReadAll(httpResp.Body)
	closeErr := httpResp.Body.Close()
	if err != nil {
		// The connection's state is indeterminate after an interrupted
		// read; the Close above discards it rather than returning it to
		// the pool for reuse.
		s.logger.Warn().Err(err).Msg("discarding connection after interrupted response body")
		return nil, callError(KindTransport, s.destination, req.Context, err)
	}
	if closeErr != nil {
		return nil, callError(KindTransport, s.destination, req.Context, closeErr)
	}

	decoded, err := s.codecs.DecodeResponse(raw, httpResp.Header.Get(contentEncodingHeader))
	if err != nil {
		return nil, callError(KindDecode, s.destination, req.Context, err)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       decoded,
		Context:    req.Context,
	}, nil
}

// Close releases the service's idle connections. In-flight calls
// complete; subsequent calls fail. Closing twice is a no-op.
func (s *Service) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.neg.closeIdleConnections()
		s.logger.Debug().Msg("destination service closed")
	}
}
