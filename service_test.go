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
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/httpfed/compress"
	"github.com/bufbuild/httpfed/internal/certtest"
	"github.com/bufbuild/httpfed/tlsconfig"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

const (
	testQuery    = `{"query":"{ me { name username } }"`
	testResponse = `{"data": null}`
)

func startPlainServer(t *testing.T, handler http.Handler) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})
	return listener.Addr().String()
}

// startTLSServer serves the handler over TLS on a loopback listener and
// returns "localhost:port". With enableH2, the server offers "h2" via
// ALPN so the negotiated protocol follows the client's proposal.
func startTLSServer(t *testing.T, conf *tls.Config, enableH2 bool, handler http.Handler) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second, TLSConfig: conf}
	if enableH2 {
		require.NoError(t, http2.ConfigureServer(server, &http2.Server{}))
	}
	go func() {
		_ = server.Serve(tls.NewListener(listener, server.TLSConfig))
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})
	port := listener.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("localhost:%d", port)
}

func jsonHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	return parsed
}

func requireErrorKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	var typed *Error
	require.ErrorAs(t, err, &typed)
	require.Equal(t, kind, typed.Kind)
	return typed
}

func TestTLSSelfSignedCertificate(t *testing.T) {
	t.Parallel()

	cert, err := tls.X509KeyPair([]byte(localhostCert), []byte(localhostKey))
	require.NoError(t, err)
	hostPort := startTLSServer(t, &tls.Config{Certificates: []tls.Certificate{cert}}, false, jsonHandler(testResponse))

	svc, err := FromConfig("test", &Config{
		HTTP2: HTTP2Enabled,
		Destinations: map[string]DestinationConfig{
			"test": {TLS: &tlsconfig.ClientConfig{CertificateAuthorities: localhostCert}},
		},
	})
	require.NoError(t, err)
	defer svc.Close()

	callCtx := NewContext()
	resp, err := svc.Handle(context.Background(), &Request{
		Method:  http.MethodPost,
		URL:     mustParseURL(t, "https://"+hostPort),
		Body:    []byte(testQuery),
		Context: callCtx,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, testResponse, string(resp.Body))
	require.Same(t, callCtx, resp.Context)
}

func TestTLSCustomRoot(t *testing.T) {
	t.Parallel()

	authority, err := certtest.NewAuthority()
	require.NoError(t, err)
	serverIdentity, err := authority.IssueServer("localhost", "127.0.0.1")
	require.NoError(t, err)
	serverCert, err := serverIdentity.TLSCertificate()
	require.NoError(t, err)
	hostPort := startTLSServer(t, &tls.Config{Certificates: []tls.Certificate{serverCert}}, false, jsonHandler(testResponse))

	svc, err := FromConfig("test", &Config{
		HTTP2: HTTP2Enabled,
		Destinations: map[string]DestinationConfig{
			"test": {TLS: &tlsconfig.ClientConfig{CertificateAuthorities: authority.CertPEM}},
		},
	})
	require.NoError(t, err)
	defer svc.Close()

	resp, err := svc.Handle(context.Background(), &Request{
		URL:     mustParseURL(t, "https://"+hostPort),
		Body:    []byte(testQuery),
		Context: NewContext(),
	})
	require.NoError(t, err)
	require.Equal(t, testResponse, string(resp.Body))
}

func TestTLSUnknownAuthority(t *testing.T) {
	t.Parallel()

	serverAuthority, err := certtest.NewAuthority()
	require.NoError(t, err)
	serverIdentity, err := serverAuthority.IssueServer("localhost")
	require.NoError(t, err)
	serverCert, err := serverIdentity.TLSCertificate()
	require.NoError(t, err)
	hostPort := startTLSServer(t, &tls.Config{Certificates: []tls.Certificate{serverCert}}, false, jsonHandler(testResponse))

	// the destination trusts a different authority than the one that
	// signed the server's certificate
	otherAuthority, err := certtest.NewAuthority()
	require.NoError(t, err)
	svc, err := FromConfig("test", &Config{
		Destinations: map[string]DestinationConfig{
			"test": {TLS: &tlsconfig.ClientConfig{CertificateAuthorities: otherAuthority.CertPEM}},
		},
	})
	require.NoError(t, err)
	defer svc.Close()

	callCtx := NewContext()
	_, err = svc.Handle(context.Background(), &Request{
		URL:     mustParseURL(t, "https://"+hostPort),
		Body:    []byte(testQuery),
		Context: callCtx,
	})
	typed := requireErrorKind(t, err, KindConnect)
	require.Same(t, callCtx, typed.Context)
}

func newClientAuthServerConfig(t *testing.T, authority *certtest.Authority) *tls.Config {
	t.Helper()
	serverIdentity, err := authority.IssueServer("localhost", "127.0.0.1")
	require.NoError(t, err)
	serverCert, err := serverIdentity.TLSCertificate()
	require.NoError(t, err)
	clientPool := x509.NewCertPool()
	require.True(t, clientPool.AppendCertsFromPEM([]byte(authority.CertPEM)))
	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    clientPool,
	}
}

func TestTLSClientAuthentication(t *testing.T) {
	t.Parallel()

	authority, err := certtest.NewAuthority()
	require.NoError(t, err)
	hostPort := startTLSServer(t, newClientAuthServerConfig(t, authority), false, jsonHandler(testResponse))

	clientIdentity, err := authority.IssueClient("gateway")
	require.NoError(t, err)
	svc, err := FromConfig("test", &Config{
		Destinations: map[string]DestinationConfig{
			"test": {TLS: &tlsconfig.ClientConfig{
				CertificateAuthorities: authority.CertPEM,
				ClientAuthentication: &tlsconfig.ClientAuth{
					CertificateChain: clientIdentity.CertPEM,
					PrivateKey:       clientIdentity.KeyPEM,
				},
			}},
		},
	})
	require.NoError(t, err)
	defer svc.Close()

	resp, err := svc.Handle(context.Background(), &Request{
		URL:     mustParseURL(t, "https://"+hostPort),
		Body:    []byte(testQuery),
		Context: NewContext(),
	})
	require.NoError(t, err)
	require.Equal(t, testResponse, string(resp.Body))
}

func TestTLSClientAuthenticationRequiredButMissing(t *testing.T) {
	t.Parallel()

	authority, err := certtest.NewAuthority()
	require.NoError(t, err)
	hostPort := startTLSServer(t, newClientAuthServerConfig(t, authority), false, jsonHandler(testResponse))

	svc, err := FromConfig("test", &Config{
		Destinations: map[string]DestinationConfig{
			"test": {TLS: &tlsconfig.ClientConfig{CertificateAuthorities: authority.CertPEM}},
		},
	})
	require.NoError(t, err)
	defer svc.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer callCancel()
	_, err = svc.Handle(callCtx, &Request{
		URL:     mustParseURL(t, "https://"+hostPort),
		Body:    []byte(testQuery),
		Context: NewContext(),
	})
	requireErrorKind(t, err, KindConnect)
}

func TestH2CPriorKnowledge(t *testing.T) {
	t.Parallel()

	var sawProtoMajor atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawProtoMajor.Store(int32(r.ProtoMajor))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":null}`))
	})
	hostPort := startPlainServer(t, h2c.NewHandler(handler, &http2.Server{}))

	svc := New("test", nil, HTTP2Forced)
	defer svc.Close()
	require.Equal(t, HTTP2Forced, svc.Policy())

	resp, err := svc.Handle(context.Background(), &Request{
		URL:     mustParseURL(t, "http://"+hostPort),
		Body:    []byte(testQuery),
		Context: NewContext(),
	})
	require.NoError(t, err)
	require.Equal(t, `{"data":null}`, string(resp.Body))
	require.EqualValues(t, 2, sawProtoMajor.Load())
}

func TestH2CAgainstHTTP1OnlyPeer(t *testing.T) {
	t.Parallel()

	hostPort := startPlainServer(t, jsonHandler(testResponse))

	svc := New("test", nil, HTTP2Forced)
	defer svc.Close()

	_, err := svc.Handle(context.Background(), &Request{
		URL:     mustParseURL(t, "http://"+hostPort),
		Body:    []byte(testQuery),
		Context: NewContext(),
	})
	requireErrorKind(t, err, KindProtocol)
}

func TestALPNRespectsDisabledPolicy(t *testing.T) {
	t.Parallel()

	authority, err := certtest.NewAuthority()
	require.NoError(t, err)
	serverIdentity, err := authority.IssueServer("localhost", "127.0.0.1")
	require.NoError(t, err)
	serverCert, err := serverIdentity.TLSCertificate()
	require.NoError(t, err)

	configFor := func(policy HTTP2Policy) *Config {
		return &Config{
			HTTP2: policy,
			Destinations: map[string]DestinationConfig{
				"test": {TLS: &tlsconfig.ClientConfig{CertificateAuthorities: authority.CertPEM}},
			},
		}
	}
	testCases := []struct {
		name          string
		policy        HTTP2Policy
		expectedProto int
	}{
		{name: "enabled negotiates h2", policy: HTTP2Enabled, expectedProto: 2},
		{name: "disabled proposes http/1.1 only", policy: HTTP2Disabled, expectedProto: 1},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			var sawProtoMajor atomic.Int32
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				sawProtoMajor.Store(int32(r.ProtoMajor))
				_, _ = w.Write([]byte(testResponse))
			})
			hostPort := startTLSServer(t, &tls.Config{Certificates: []tls.Certificate{serverCert}}, true, handler)

			svc, err := FromConfig("test", configFor(testCase.policy))
			require.NoError(t, err)
			defer svc.Close()

			_, err = svc.Handle(context.Background(), &Request{
				URL:     mustParseURL(t, "https://"+hostPort),
				Body:    []byte(testQuery),
				Context: NewContext(),
			})
			require.NoError(t, err)
			require.EqualValues(t, testCase.expectedProto, sawProtoMajor.Load())
		})
	}
}

func TestCompressedRequestAndResponseBody(t *testing.T) {
	t.Parallel()

	codecs := compress.NewRegistry()
	expectedWire, err := codecs.EncodeRequest([]byte(testQuery), "gzip")
	require.NoError(t, err)
	compressedReply, err := codecs.EncodeRequest([]byte(`{"data":"test"}`), "gzip")
	require.NoError(t, err)

	var (
		mu           sync.Mutex
		receivedBody []byte
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		receivedBody = body
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(compressedReply)
	})
	hostPort := startPlainServer(t, handler)

	svc := New("test", nil, HTTP2Enabled)
	defer svc.Close()

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Content-Encoding", "gzip")
	resp, err := svc.Handle(context.Background(), &Request{
		URL:     mustParseURL(t, "http://"+hostPort),
		Header:  header,
		Body:    []byte(testQuery),
		Context: NewContext(),
	})
	require.NoError(t, err)

	// the peer must see exactly gzip(body), and the caller must see the
	// decompressed reply
	mu.Lock()
	require.Equal(t, expectedWire, receivedBody)
	mu.Unlock()
	require.Equal(t, `{"data":"test"}`, string(resp.Body))
	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
}

func TestUncompressedResponsePassthrough(t *testing.T) {
	t.Parallel()

	// a body that happens to start with the gzip magic bytes must not be
	// sniffed and decompressed
	body := []byte{0x1f, 0x8b, 0x08, 0x00, 0x01, 0x02, 0x03}
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(body)
	})
	hostPort := startPlainServer(t, handler)

	svc := New("test", nil, HTTP2Enabled)
	defer svc.Close()

	resp, err := svc.Handle(context.Background(), &Request{
		URL:     mustParseURL(t, "http://"+hostPort),
		Context: NewContext(),
	})
	require.NoError(t, err)
	require.Equal(t, body, resp.Body)
}

func TestUnsupportedRequestEncodingFailsBeforeDialing(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	svc := New("test", nil, HTTP2Enabled, WithDialer(
		func(_ context.Context, _, _ string) (net.Conn, error) {
			dials.Add(1)
			return nil, fmt.Errorf("no dialing expected")
		}))
	defer svc.Close()

	header := http.Header{}
	header.Set("Content-Encoding", "br")
	callCtx := NewContext()
	_, err := svc.Handle(context.Background(), &Request{
		URL:     mustParseURL(t, "http://localhost:1"),
		Header:  header,
		Body:    []byte(testQuery),
		Context: callCtx,
	})
	typed := requireErrorKind(t, err, KindDecode)
	require.ErrorIs(t, err, compress.ErrUnsupportedEncoding)
	require.Same(t, callCtx, typed.Context)
	require.Zero(t, dials.Load())
}

func TestUnsupportedResponseEncoding(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Encoding", "zstd")
		_, _ = w.Write([]byte("opaque compressed bytes"))
	})
	hostPort := startPlainServer(t, handler)

	svc := New("test", nil, HTTP2Enabled)
	defer svc.Close()

	_, err := svc.Handle(context.Background(), &Request{
		URL:     mustParseURL(t, "http://"+hostPort),
		Context: NewContext(),
	})
	requireErrorKind(t, err, KindDecode)
	require.ErrorIs(t, err, compress.ErrUnsupportedEncoding)
}

func TestCorruptResponseBody(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte("this is not a gzip stream"))
	})
	hostPort := startPlainServer(t, handler)

	svc := New("test", nil, HTTP2Enabled)
	defer svc.Close()

	_, err := svc.Handle(context.Background(), &Request{
		URL:     mustParseURL(t, "http://"+hostPort),
		Context: NewContext(),
	})
	requireErrorKind(t, err, KindDecode)
}

func TestConnectionRefused(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := listener.Addr().String()
	require.NoError(t, listener.Close())

	svc := New("test", nil, HTTP2Enabled)
	defer svc.Close()

	callCtx := NewContext()
	_, err = svc.Handle(context.Background(), &Request{
		URL:     mustParseURL(t, "http://"+target),
		Context: callCtx,
	})
	typed := requireErrorKind(t, err, KindConnect)
	require.Same(t, callCtx, typed.Context)
}

func TestUnknownDestination(t *testing.T) {
	t.Parallel()

	_, err := FromConfig("inventory", &Config{
		Destinations: map[string]DestinationConfig{"books": {}},
	})
	requireErrorKind(t, err, KindConfig)
}

func TestMalformedTrustMaterial(t *testing.T) {
	t.Parallel()

	_, err := FromConfig("books", &Config{
		Destinations: map[string]DestinationConfig{
			"books": {TLS: &tlsconfig.ClientConfig{CertificateAuthorities: "garbage"}},
		},
	})
	requireErrorKind(t, err, KindConfig)
}

func TestHandleAfterClose(t *testing.T) {
	t.Parallel()

	svc := New("test", nil, HTTP2Enabled)
	svc.Close()
	svc.Close() // closing twice is fine

	_, err := svc.Handle(context.Background(), &Request{
		URL:     mustParseURL(t, "http://localhost:1"),
		Context: NewContext(),
	})
	require.ErrorIs(t, err, errServiceClosed)
	requireErrorKind(t, err, KindTransport)
}

func TestConcurrentCalls(t *testing.T) {
	t.Parallel()

	hostPort := startPlainServer(t, jsonHandler(testResponse))

	svc := New("test", nil, HTTP2Enabled)
	defer svc.Close()

	target := mustParseURL(t, "http://"+hostPort)
	var group errgroup.Group
	for i := 0; i < 20; i++ {
		group.Go(func() error {
			for j := 0; j < 5; j++ {
				resp, err := svc.Handle(context.Background(), &Request{
					URL:     target,
					Body:    []byte(testQuery),
					Context: NewContext(),
				})
				if err != nil {
					return err
				}
				if string(resp.Body) != testResponse {
					return fmt.Errorf("unexpected body %q", resp.Body)
				}
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
}

func TestContextMetadata(t *testing.T) {
	t.Parallel()

	callCtx := NewContext()
	require.NotEmpty(t, callCtx.ID())
	callCtx.Set("operation", "me")
	value, ok := callCtx.Get("operation")
	require.True(t, ok)
	require.Equal(t, "me", value)
	_, ok = callCtx.Get("missing")
	require.False(t, ok)

	other := NewContext()
	require.NotEqual(t, callCtx.ID(), other.ID())
}
