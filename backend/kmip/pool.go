// Package kmip implements the KMIP Backend: a TLS connection
// pool, TTLV request/response codec, retries, and timeouts against a
// KMIP v1.2 server.
package kmip

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jmhodges/clock"

	signererrors "github.com/rpkica/signer/errors"
	"github.com/rpkica/signer/log"
	"github.com/rpkica/signer/signer"
)

// conn wraps one TLS connection with its lifecycle bookkeeping: max
// lifetime is measured from establishment, max idle duration from the
// last use (establishment or the latest checkin).
type conn struct {
	nc net.Conn
	establishedAt time.Time
	lastUsedAt time.Time
}

// pool is a bounded, FIFO-of-idle-connections pool: connections
// failing health or exceeding lifetime/idle bounds are closed and
// replaced at checkout, never eagerly.
type pool struct {
	params signer.KmipParams
	log log.Logger
	clk clock.Clock
	dial func(ctx context.Context) (net.Conn, error)

	mu sync.Mutex
	cond *sync.Cond
	idle []*conn
	open int
}

func newPool(params signer.KmipParams, logger log.Logger, clk clock.Clock, dial func(ctx context.Context) (net.Conn, error)) *pool {
	p := &pool{params: params, log: logger, clk: clk, dial: dial}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// checkout returns a healthy connection, opening a new one if the idle
// list is empty and the pool has capacity, or blocking for one to free
// up otherwise. Connections that have exceeded their lifetime or idle
// bound are closed and not returned; the caller gets a fresh one in
// their place, transparently.
func (p *pool) checkout(ctx context.Context, healthCheck func(net.Conn) error) (*conn, error) {
	for {
		c, needDial, err := p.takeOrReserve(ctx)
		if err != nil {
			return nil, err
		}
		if !needDial {
			if p.expired(c) {
				c.nc.Close()
				p.release()
				continue
			}
			if healthCheck != nil && p.clk.Now().Sub(c.lastUsedAt) > p.halfIdle() {
				if err := healthCheck(c.nc); err != nil {
					c.nc.Close()
					p.release()
					continue
				}
			}
			return c, nil
		}

		nc, err := p.dial(ctx)
		if err != nil {
			p.release()
			return nil, signererrors.Wrap(signererrors.SignerUnavailable, "", "dialing KMIP server", err)
		}
		now := p.clk.Now()
		return &conn{nc: nc, establishedAt: now, lastUsedAt: now}, nil
	}
}

func (p *pool) halfIdle() time.Duration {
	return time.Duration(p.params.MaxIdleSeconds) * time.Second / 2
}

func (p *pool) expired(c *conn) bool {
	now := p.clk.Now()
	if now.Sub(c.establishedAt) > time.Duration(p.params.MaxUseSeconds)*time.Second {
		return true
	}
	if now.Sub(c.lastUsedAt) > time.Duration(p.params.MaxIdleSeconds)*time.Second {
		return true
	}
	return false
}

// takeOrReserve pops an idle connection if one exists, or reserves a
// capacity slot for a new dial if the pool has room, blocking until
// either happens. Returns needDial=true when the caller must dial.
func (p *pool) takeOrReserve(ctx context.Context) (*conn, bool, error) {
	done := make(chan struct{})
	var c *conn
	var needDial bool

	go func() {
		p.mu.Lock()
		for len(p.idle) == 0 && p.open >= p.params.MaxConnections {
			p.cond.Wait()
		}
		if len(p.idle) > 0 {
			c = p.idle[0]
			p.idle = p.idle[1:]
			p.mu.Unlock()
			close(done)
			return
		}
		p.open++
		needDial = true
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return c, needDial, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// checkin returns c to the idle pool for reuse.
func (p *pool) checkin(c *conn) {
	c.lastUsedAt = p.clk.Now()
	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.mu.Unlock()
	p.cond.Signal()
}

// discard closes c and frees its capacity slot without returning it to
// the idle pool, for use after a protocol error or broken connection.
func (p *pool) discard(c *conn) {
	c.nc.Close()
	p.release()
}

// release frees one capacity slot reserved by takeOrReserve.
func (p *pool) release() {
	p.mu.Lock()
	p.open--
	p.mu.Unlock()
	p.cond.Signal()
}

// closeAll closes every idle connection. Call at backend shutdown only.
func (p *pool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		c.nc.Close()
	}
	p.idle = nil
	p.open = 0
}

// dialTLS builds the dial function used by newPool, applying the
// configured mTLS identity and trust-anchor settings.
func dialTLS(params signer.KmipParams) (func(ctx context.Context) (net.Conn, error), error) {
	tlsConfig, err := buildTLSConfig(params)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(params.Host, strconv.Itoa(params.Port))

	return func(ctx context.Context) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: time.Duration(params.ConnectTimeoutSeconds) * time.Second}
		return tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	}, nil
}
