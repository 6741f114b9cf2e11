// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP clients.

package htx

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout  = 10 * time.Second
	defaultReadTimeout     = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultSettingsTimeout = 5 * time.Second
	defaultMaxIdleConns    = 8
	defaultWriteHighWater  = 1 * M
)

// Client sends requests to addresses over pooled connections.
type Client struct {
	// Assocs
	logger             *zap.Logger
	pool               *Pool
	dialer             Dialer
	registry           ProviderRegistry
	provider           SecureTransportProvider
	retryPolicy        RetryPolicy
	continuationPolicy ContinuationPolicy
	cookies            *CookieBox // shared by every interaction if set
	// States
	connectTimeout     time.Duration
	readTimeout        time.Duration
	idleTimeout        time.Duration
	settingsTimeout    time.Duration
	pooling            bool
	maxIdleConns       int
	h2cUpgrade         bool // cleartext HTTP/2 by upgrading from HTTP/1.1 instead of prior knowledge
	writeHighWater     int
	userAgent          string
	maxMultipartInline int // 0 means no limit
	providerName       string
	closed             atomic.Bool
}

// ClientOption configures a client.
type ClientOption func(c *Client) error

// NewClient makes a client with opts applied over the defaults.
func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{
		logger:          Logger(),
		dialer:          &net.Dialer{KeepAlive: 30 * time.Second},
		provider:        DefaultProvider,
		connectTimeout:  defaultConnectTimeout,
		readTimeout:     defaultReadTimeout,
		idleTimeout:     defaultIdleTimeout,
		settingsTimeout: defaultSettingsTimeout,
		pooling:         true,
		maxIdleConns:    defaultMaxIdleConns,
		writeHighWater:  defaultWriteHighWater,
		userAgent:       "htx/" + EngineVersion,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.registry != nil {
		provider, err := c.registry.Lookup(c.providerName)
		if err != nil {
			return nil, err
		}
		c.provider = provider
	}
	c.logger = c.logger.Named("client")
	c.pool = newPool(c.connect, c.pooling, c.maxIdleConns, c.idleTimeout, c.settingsTimeout, c.logger)
	return c, nil
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			return errors.New("htx: nil logger")
		}
		c.logger = logger
		return nil
	}
}
func WithDialer(dialer Dialer) ClientOption {
	return func(c *Client) error {
		if dialer == nil {
			return errors.New("htx: nil dialer")
		}
		c.dialer = dialer
		return nil
	}
}
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) error { return setDuration(&c.connectTimeout, timeout, "connect timeout") }
}
func WithReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) error { return setDuration(&c.readTimeout, timeout, "read timeout") }
}
func WithIdleTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) error { return setDuration(&c.idleTimeout, timeout, "idle timeout") }
}
func WithSettingsTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) error { return setDuration(&c.settingsTimeout, timeout, "settings timeout") }
}

// WithPooling keeps up to maxIdle idle HTTP/1 connections per address and shares HTTP/2 connections.
func WithPooling(maxIdle int) ClientOption {
	return func(c *Client) error {
		if maxIdle <= 0 {
			return errors.Errorf("htx: max idle conns must be positive, got %d", maxIdle)
		}
		c.pooling, c.maxIdleConns = true, maxIdle
		return nil
	}
}

// WithoutPooling makes every interaction use its own connection, closed after the response.
func WithoutPooling() ClientOption {
	return func(c *Client) error {
		c.pooling = false
		return nil
	}
}
func WithRetryPolicy(policy RetryPolicy) ClientOption {
	return func(c *Client) error {
		c.retryPolicy = policy
		return nil
	}
}
func WithContinuationPolicy(policy ContinuationPolicy) ClientOption {
	return func(c *Client) error {
		c.continuationPolicy = policy
		return nil
	}
}

// WithSecureProviders secures connections with the provider registered under name.
func WithSecureProviders(registry ProviderRegistry, name string) ClientOption {
	return func(c *Client) error {
		if registry == nil {
			return errors.New("htx: nil provider registry")
		}
		c.registry, c.providerName = registry, name
		return nil
	}
}

// WithCookieBox shares box among all interactions of the client. By default each interaction has its own.
func WithCookieBox(box *CookieBox) ClientOption {
	return func(c *Client) error {
		c.cookies = box
		return nil
	}
}
func WithH2CUpgrade(upgrade bool) ClientOption {
	return func(c *Client) error {
		c.h2cUpgrade = upgrade
		return nil
	}
}
func WithWriteHighWater(size int) ClientOption {
	return func(c *Client) error {
		if size <= 0 {
			return errors.Errorf("htx: write high water must be positive, got %d", size)
		}
		c.writeHighWater = size
		return nil
	}
}
func WithUserAgent(userAgent string) ClientOption {
	return func(c *Client) error {
		c.userAgent = userAgent
		return nil
	}
}
func WithMaxMultipartInline(size int) ClientOption {
	return func(c *Client) error {
		if size < 0 {
			return errors.Errorf("htx: max multipart size must not be negative, got %d", size)
		}
		c.maxMultipartInline = size
		return nil
	}
}

func setDuration(field *time.Duration, value time.Duration, name string) error {
	if value <= 0 {
		return errors.Errorf("htx: %s must be positive, got %s", name, value)
	}
	*field = value
	return nil
}

// connect dials address and negotiates its protocol.
func (c *Client) connect(ctx context.Context, address *Address, http1Only bool) (*clientConn, error) {
	return selectInitializer(address, http1Only).initChannel(ctx, c, address)
}

// NewInteraction starts an interaction with address. HTTP/2 by prior knowledge starts out as HTTP/2.
// Everything else starts out as HTTP/1 and is handed over to HTTP/2 if the connection settles on it.
func (c *Client) NewInteraction(address *Address) *Interaction {
	kind := kindHTTP1
	if address != nil && address.Version() == Version2 && !address.IsSecure() && !c.h2cUpgrade {
		kind = kindHTTP2
	}
	return newInteraction(c, address, kind, "", c.cookies)
}

// Execute starts an interaction with the address of req's absolute URL and sends req.
func (c *Client) Execute(ctx context.Context, req *Request) (*Interaction, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	address, err := AddressOf(req.URL(), req.Version())
	if err != nil {
		return nil, err
	}
	interaction := c.NewInteraction(address)
	return interaction, interaction.Execute(ctx, req)
}

// Fetch sends req and waits for the final response, following the configured policies. The response is the caller's.
func (c *Client) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	address, err := AddressOf(req.URL(), req.Version())
	if err != nil {
		return nil, err
	}
	interaction := c.NewInteraction(address)
	interaction.capture = true
	defer interaction.Close()

	if err := interaction.Execute(ctx, req); err != nil {
		return nil, err
	}
	if err := interaction.Get(ctx); err != nil {
		return nil, err
	}
	resp := interaction.Response()
	if resp == nil {
		return nil, errors.Wrap(ErrIllegalState, "no response kept")
	}
	return resp, nil
}

// Close closes pooled connections. Interactions still running fail as their connections go.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	closed := c.pool.Close()
	if DebugLevel() >= 1 {
		c.logger.Debug("client closed", zap.Int("conns", closed))
	}
	return nil
}
