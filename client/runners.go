package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/songgao/water"
	"golang.org/x/sync/errgroup"

	"github.com/tGecko/snx-rs/common"
)

// sslRunner carries one SSL tunnel attempt: TLS stream, hello exchange,
// TUN device, data pump.
type sslRunner struct {
	cfg    *Config
	tlsCfg *tls.Config
	cookie string
	log    *slog.Logger

	tunnel *SslTunnel
	tun    *water.Interface
}

func newSslRunner(cfg *Config, tlsCfg *tls.Config, cookie string, log *slog.Logger) *sslRunner {
	return &sslRunner{cfg: cfg, tlsCfg: tlsCfg, cookie: cookie, log: log}
}

func (r *sslRunner) Open(ctx context.Context) (*common.TunnelParams, error) {
	conn, err := dialTunnel(ctx, r.cfg.Gateway, r.tlsCfg)
	if err != nil {
		return nil, err
	}
	tunnel, err := OpenSslTunnel(conn, r.cookie, r.cfg.KeepaliveInterval.D(), r.log)
	if err != nil {
		return nil, err
	}
	tun, err := common.OpenTun(r.cfg.TunName)
	if err != nil {
		tunnel.Close()
		return nil, err
	}
	if err := common.ConfigureTun(tun.Name(), tunnel.Params()); err != nil {
		tun.Close()
		tunnel.Close()
		return nil, err
	}
	r.tunnel, r.tun = tunnel, tun
	return tunnel.Params(), nil
}

func (r *sslRunner) Run(ctx context.Context) error {
	return r.tunnel.Run(ctx, r.tun)
}

func (r *sslRunner) Close() error {
	if r.tunnel != nil {
		r.tunnel.Close()
	}
	if r.tun != nil {
		name := r.tun.Name()
		r.tun.Close()
		common.DownTun(name)
	}
	return nil
}

// ipsecRunner carries one IPSec attempt: IKE negotiation, kernel ESP
// state, NAT-T socket, DPD and rekey timers.
type ipsecRunner struct {
	cfg      *Config
	cookie   string
	username string
	log      *slog.Logger

	engine *IkeEngine
	sa     *SecurityAssociation
	natt   *net.UDPConn
	tun    *water.Interface
}

func newIpsecRunner(cfg *Config, cookie, username string, log *slog.Logger) *ipsecRunner {
	return &ipsecRunner{cfg: cfg, cookie: cookie, username: username, log: log}
}

func (r *ipsecRunner) Open(ctx context.Context) (*common.TunnelParams, error) {
	transport, err := dialIke(r.cfg.Gateway, r.cfg.RequestTimeout.D())
	if err != nil {
		return nil, err
	}
	local := transport.conn.LocalAddr().(*net.UDPAddr).IP
	peer := transport.conn.RemoteAddr().(*net.UDPAddr).IP
	r.engine = NewIkeEngine(transport, newIPXfrm(local, peer), r.cookie, r.username, time.Hour, r.log)

	natt, err := openNattSocket()
	if err != nil {
		r.engine.Close()
		r.engine = nil
		return nil, err
	}
	r.natt = natt

	sa, err := r.engine.Negotiate(ctx)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.sa = sa
	params := r.engine.Params()

	tun, err := common.OpenTun(r.cfg.TunName)
	if err != nil {
		r.Close()
		return nil, err
	}
	if err := common.ConfigureTun(tun.Name(), params); err != nil {
		tun.Close()
		r.Close()
		return nil, err
	}
	r.tun = tun
	return params, nil
}

func (r *ipsecRunner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.engine.RunDPD(ctx, r.cfg.DPDInterval.D())
	})

	// Rekey before the SA lifetime runs out. New state installs before the
	// old state is removed, so in-flight traffic survives the swap.
	g.Go(func() error {
		for {
			wait := time.Duration(float64(r.sa.Lifetime) * 0.8)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			sa, err := r.engine.Rekey(ctx, r.sa)
			if err != nil {
				return err
			}
			r.sa = sa
		}
	})

	return g.Wait()
}

func (r *ipsecRunner) Close() error {
	if r.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		r.engine.Teardown(ctx, r.sa)
		cancel()
		r.engine.Close()
		r.engine = nil
	}
	if r.natt != nil {
		r.natt.Close()
		r.natt = nil
	}
	if r.tun != nil {
		name := r.tun.Name()
		r.tun.Close()
		common.DownTun(name)
	}
	return nil
}

// newRunnerFactory wires the configured tunnel kind into the session.
func newRunnerFactory(cfg *Config, tlsCfg *tls.Config, log *slog.Logger) runnerFactory {
	return func(cookie, username string) (tunnelRunner, error) {
		switch cfg.TunnelKind {
		case tunnelKindIPSec:
			return newIpsecRunner(cfg, cookie, username, log), nil
		default:
			return newSslRunner(cfg, tlsCfg, cookie, log), nil
		}
	}
}
