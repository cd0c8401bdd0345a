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

// Package compress transforms whole message bodies according to a
// declared Content-Encoding token. Decisions are driven solely by the
// literal header value, never inferred from body content: an absent
// token passes bytes through unchanged, and an unknown token is a hard
// error rather than a silent passthrough, so compressed bytes are never
// forwarded as if they were plaintext.
//
// Codecs are kept in a registry keyed by encoding token so additional
// algorithms can be added without touching call sites. Only gzip is
// registered today. Bodies are buffered in full before transformation;
// there is no streaming mode.
package compress

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedEncoding is wrapped by errors returned for an encoding
// token that no registered codec handles.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// Codec encodes and decodes complete body buffers for one encoding
// token.
type Codec interface {
	// Encode compresses a body.
	Encode(body []byte) ([]byte, error)
	// Decode decompresses a body. A corrupt stream is an error.
	Decode(body []byte) ([]byte, error)
}

// Registry maps Content-Encoding tokens to codecs. Tokens are matched
// case-insensitively, per RFC 9110. A Registry is safe for concurrent
// use once built; Register is not safe to call concurrently with use.
type Registry struct {
	codecs map[string]Codec
}

// NewRegistry returns a registry with the gzip codec registered.
func NewRegistry() *Registry {
	r := &Registry{codecs: map[string]Codec{}}
	r.Register("gzip", gzipCodec{})
	return r
}

// Register adds a codec under the given token, replacing any existing
// registration.
func (r *Registry) Register(token string, codec Codec) {
	r.codecs[strings.ToLower(token)] = codec
}

// EncodeRequest encodes an outgoing body according to the encoding
// declared by the caller. An empty declaration returns the body
// unchanged. The registry never invents a header: the caller declares
// intent, this makes the wire bytes match it.
func (r *Registry) EncodeRequest(body []byte, declaredEncoding string) ([]byte, error) {
	codec, err := r.lookup(declaredEncoding)
	if err != nil || codec == nil {
		return body, err
	}
	encoded, err := codec.Encode(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body as %q: %w", declaredEncoding, err)
	}
	return encoded, nil
}

// DecodeResponse decodes an incoming body according to the encoding the
// peer declared. An empty declaration returns the body unchanged,
// byte-for-byte.
func (r *Registry) DecodeResponse(body []byte, receivedEncoding string) ([]byte, error) {
	codec, err := r.lookup(receivedEncoding)
	if err != nil || codec == nil {
		return body, err
	}
	decoded, err := codec.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("decoding %q response body: %w", receivedEncoding, err)
	}
	return decoded, nil
}

// lookup resolves a token to a codec. A nil codec with nil error means
// the body needs no transformation.
func (r *Registry) lookup(token string) (Codec, error) {
	normalized := strings.ToLower(strings.TrimSpace(token))
	// "identity" explicitly declares no transformation (RFC 9110 §8.4.1).
	if normalized == "" || normalized == "identity" {
		return nil, nil
	}
	codec, ok := r.codecs[normalized]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, token)
	}
	return codec, nil
}
