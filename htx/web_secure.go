// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Secure transport providers yield negotiated TLS channels for addresses.

package htx

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"

	"github.com/pkg/errors"
	utls "github.com/refraction-networking/utls"
)

// TLSLibrary selects the TLS implementation a provider handshakes with.
type TLSLibrary uint8

const (
	LibraryCryptoTLS TLSLibrary = iota // crypto/tls
	LibraryUTLS                        // github.com/refraction-networking/utls
)

func (l TLSLibrary) String() string {
	switch l {
	case LibraryCryptoTLS:
		return "crypto/tls"
	case LibraryUTLS:
		return "utls"
	default:
		return "unknown"
	}
}

// SecureParams is what a provider decides for one address.
type SecureParams struct {
	Provider           string            // name of the provider that made these params
	Library            TLSLibrary        // which TLS implementation handshakes
	CipherSuites       []uint16          // candidate suites. empty means the library defaults
	CipherFilter       func(uint16) bool // drops suites from CipherSuites, or from the library defaults. may be nil
	Protocols          []uint16          // allowed TLS versions, e.g. tls.VersionTLS12, tls.VersionTLS13. empty means library defaults
	ServerName         string            // SNI. defaults to the address host
	RootCAs            *x509.CertPool    // nil means the system pool
	InsecureSkipVerify bool              // for tests only
	Certificates       []tls.Certificate // client certificates
}

func (p *SecureParams) cipherSuites() []uint16 {
	suites := p.CipherSuites
	if len(suites) == 0 && p.CipherFilter != nil {
		for _, suite := range tls.CipherSuites() {
			suites = append(suites, suite.ID)
		}
	}
	if p.CipherFilter == nil {
		return suites
	}
	filtered := make([]uint16, 0, len(suites))
	for _, suite := range suites {
		if p.CipherFilter(suite) {
			filtered = append(filtered, suite)
		}
	}
	return filtered
}
func (p *SecureParams) versionRange() (min uint16, max uint16) {
	for _, version := range p.Protocols {
		if min == 0 || version < min {
			min = version
		}
		if version > max {
			max = version
		}
	}
	return
}

// SecureTransportProvider decides how to secure connections to an address.
type SecureTransportProvider interface {
	Name() string
	Params(address *Address) (*SecureParams, error)
}

// ProviderRegistry maps provider names to providers. It is built once at startup and handed to clients explicitly.
type ProviderRegistry map[string]SecureTransportProvider

// NewProviderRegistry registers providers by name. A later provider replaces an earlier one with the same name.
func NewProviderRegistry(providers ...SecureTransportProvider) ProviderRegistry {
	registry := make(ProviderRegistry, len(providers))
	for _, provider := range providers {
		registry[provider.Name()] = provider
	}
	return registry
}

func (r ProviderRegistry) Lookup(name string) (SecureTransportProvider, error) {
	if provider, ok := r[name]; ok {
		return provider, nil
	}
	return nil, errors.Errorf("htx: secure transport provider %q not registered", name)
}

// StaticProvider hands out the same params for every address.
type StaticProvider struct {
	ProviderName string
	SecureParams SecureParams
}

func (p *StaticProvider) Name() string { return p.ProviderName }
func (p *StaticProvider) Params(address *Address) (*SecureParams, error) {
	params := p.SecureParams
	params.Provider = p.ProviderName
	return &params, nil
}

// DefaultProvider uses crypto/tls with its defaults.
var DefaultProvider SecureTransportProvider = &StaticProvider{ProviderName: "default"}

// SessionInfo is what a TLS handshake produced, independent of the library that did it.
type SessionInfo struct {
	Library            TLSLibrary
	Provider           string
	Version            uint16
	CipherSuite        uint16
	NegotiatedProtocol string // ALPN result, "" if none
	ServerName         string
	PeerCertificates   []*x509.Certificate
}

// PeerHosts returns the DNS names the peer's leaf certificate covers.
func (s *SessionInfo) PeerHosts() []string {
	if s == nil || len(s.PeerCertificates) == 0 {
		return nil
	}
	leaf := s.PeerCertificates[0]
	hosts := append([]string(nil), leaf.DNSNames...)
	if len(hosts) == 0 && leaf.Subject.CommonName != "" {
		hosts = append(hosts, leaf.Subject.CommonName)
	}
	return hosts
}

func sessionFromState(state tls.ConnectionState, provider string) *SessionInfo {
	return &SessionInfo{
		Library:            LibraryCryptoTLS,
		Provider:           provider,
		Version:            state.Version,
		CipherSuite:        state.CipherSuite,
		NegotiatedProtocol: state.NegotiatedProtocol,
		ServerName:         state.ServerName,
		PeerCertificates:   state.PeerCertificates,
	}
}

// secureClient handshakes over netConn as a client and returns the secured connection.
func secureClient(ctx context.Context, netConn net.Conn, address *Address, params *SecureParams, nextProtos []string) (net.Conn, *SessionInfo, error) {
	serverName := params.ServerName
	if serverName == "" {
		serverName = address.Host()
	}
	minVersion, maxVersion := params.versionRange()
	switch params.Library {
	case LibraryCryptoTLS:
		config := &tls.Config{
			ServerName:         serverName,
			NextProtos:         nextProtos,
			RootCAs:            params.RootCAs,
			InsecureSkipVerify: params.InsecureSkipVerify,
			CipherSuites:       params.cipherSuites(),
			MinVersion:         minVersion,
			MaxVersion:         maxVersion,
			Certificates:       params.Certificates,
		}
		tlsConn := tls.Client(netConn, config)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, nil, errors.Wrap(err, "tls handshake")
		}
		return tlsConn, sessionFromState(tlsConn.ConnectionState(), params.Provider), nil
	case LibraryUTLS:
		config := &utls.Config{
			ServerName:         serverName,
			NextProtos:         nextProtos,
			RootCAs:            params.RootCAs,
			InsecureSkipVerify: params.InsecureSkipVerify,
			CipherSuites:       params.cipherSuites(),
			MinVersion:         minVersion,
			MaxVersion:         maxVersion,
		}
		for _, cert := range params.Certificates {
			config.Certificates = append(config.Certificates, utls.Certificate{
				Certificate: cert.Certificate,
				PrivateKey:  cert.PrivateKey,
				Leaf:        cert.Leaf,
			})
		}
		uConn := utls.UClient(netConn, config, utls.HelloGolang)
		if err := uConn.HandshakeContext(ctx); err != nil {
			return nil, nil, errors.Wrap(err, "utls handshake")
		}
		state := uConn.ConnectionState()
		return uConn, &SessionInfo{
			Library:            LibraryUTLS,
			Provider:           params.Provider,
			Version:            state.Version,
			CipherSuite:        state.CipherSuite,
			NegotiatedProtocol: state.NegotiatedProtocol,
			ServerName:         state.ServerName,
			PeerCertificates:   state.PeerCertificates,
		}, nil
	default:
		return nil, nil, errors.Errorf("htx: unknown tls library %d", params.Library)
	}
}
