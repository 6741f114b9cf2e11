// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Domains and TLS server name resolution.

package htx

import (
	"crypto/tls"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Domain is a set of host names served with the same certificates.
type Domain struct {
	Name         string   // "example.com" or "*.example.com"
	Aliases      []string // more names, wildcards allowed
	Certificates []tls.Certificate
	TLSConfig    *tls.Config // used instead of Certificates if set
}

func (d *Domain) names() []string {
	names := make([]string, 0, 1+len(d.Aliases))
	for _, name := range append([]string{d.Name}, d.Aliases...) {
		if name = normalizeServerName(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func (d *Domain) tlsConfig(nextProtos []string) (*tls.Config, error) {
	if d.TLSConfig != nil {
		config := d.TLSConfig.Clone()
		if len(config.NextProtos) == 0 {
			config.NextProtos = nextProtos
		}
		return config, nil
	}
	if len(d.Certificates) == 0 {
		return nil, errors.Errorf("htx: domain %q has no certificates", d.Name)
	}
	return &tls.Config{
		Certificates: d.Certificates,
		NextProtos:   nextProtos,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

const sniCacheSize = 1024

// sniMapping resolves server names to TLS configs. Exact names win over wildcards.
// Names no domain covers get the config of the first domain.
type sniMapping struct {
	// Assocs
	logger *zap.Logger
	// States
	exact     map[string]*tls.Config
	wildcards []sniWildcard // in registration order
	fallback  *tls.Config
	cache     *lru.Cache[string, *tls.Config]
}

type sniWildcard struct {
	suffix string // ".example.com" for "*.example.com"
	config *tls.Config
}

func newSNIMapping(domains []*Domain, nextProtos []string, logger *zap.Logger) (*sniMapping, error) {
	if len(domains) == 0 {
		return nil, errors.New("htx: tls needs at least one domain")
	}
	cache, err := lru.New[string, *tls.Config](sniCacheSize)
	if err != nil {
		return nil, err
	}
	m := &sniMapping{
		logger: logger,
		exact:  make(map[string]*tls.Config),
		cache:  cache,
	}
	for _, domain := range domains {
		config, err := domain.tlsConfig(nextProtos)
		if err != nil {
			return nil, err
		}
		if m.fallback == nil {
			m.fallback = config
		}
		for _, name := range domain.names() {
			if suffix, ok := strings.CutPrefix(name, "*"); ok {
				m.wildcards = append(m.wildcards, sniWildcard{suffix: suffix, config: config})
			} else if _, dup := m.exact[name]; !dup {
				m.exact[name] = config
			}
		}
	}
	return m, nil
}

// resolve returns the config for serverName. It never returns nil.
func (m *sniMapping) resolve(serverName string) *tls.Config {
	name := normalizeServerName(serverName)
	if config, ok := m.cache.Get(name); ok {
		return config
	}
	config := m.lookup(name)
	m.cache.Add(name, config)
	return config
}

func (m *sniMapping) lookup(name string) *tls.Config {
	if config, ok := m.exact[name]; ok {
		return config
	}
	for _, wildcard := range m.wildcards { // a wildcard covers exactly one label
		if label, ok := strings.CutSuffix(name, wildcard.suffix); ok && label != "" && !strings.Contains(label, ".") {
			return wildcard.config
		}
	}
	if DebugLevel() >= 2 {
		m.logger.Debug("unknown server name, using first domain", zap.String("sni", name))
	}
	return m.fallback
}

func (m *sniMapping) getConfigForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	return m.resolve(hello.ServerName), nil
}

func normalizeServerName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}
