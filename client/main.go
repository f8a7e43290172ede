package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tGecko/snx-rs/common"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type cliFlags struct {
	configPath string
	gateway    string
	tunnelKind string
	loginType  string
	username   string
	insecure   bool
	logLevel   string
	socketPath string
}

func (f *cliFlags) loadConfig() (*Config, error) {
	cfg, err := LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.gateway != "" {
		cfg.Gateway = f.gateway
	}
	if f.tunnelKind != "" {
		cfg.TunnelKind = f.tunnelKind
	}
	if f.loginType != "" {
		cfg.LoginType = f.loginType
	}
	if f.username != "" {
		cfg.Username = f.username
	}
	if f.insecure {
		cfg.Insecure = true
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.socketPath != "" {
		cfg.SocketPath = f.socketPath
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}
	root := &cobra.Command{
		Use:           "snxd",
		Short:         "Check Point VPN client daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "path to YAML configuration")
	pf.StringVar(&flags.gateway, "gateway", "", "gateway host (overrides config)")
	pf.StringVar(&flags.tunnelKind, "tunnel", "", "tunnel kind: ssl or ipsec")
	pf.StringVar(&flags.loginType, "login-type", "", "gateway login option id")
	pf.StringVarP(&flags.username, "user", "u", "", "username")
	pf.BoolVar(&flags.insecure, "insecure", false, "skip gateway certificate verification (NOT recommended)")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn, or error")
	pf.StringVar(&flags.socketPath, "socket", "", "IPC socket path")

	root.AddCommand(newServeCmd(flags))
	for _, c := range []string{CmdConnect, CmdDisconnect, CmdReconnect, CmdStatus, CmdInfo} {
		root.AddCommand(newIpcCmd(flags, c))
	}
	return root
}

func newServeCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the VPN daemon with its IPC control socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}
}

func gatewayHost(gateway string) string {
	if h, _, err := net.SplitHostPort(gateway); err == nil {
		return h
	}
	return gateway
}

func loadRoots(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return nil, nil // system pool
	}
	pem, err := os.ReadFile(common.ExpandPath(caFile))
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", caFile)
	}
	return pool, nil
}

func runDaemon(cfg *Config) error {
	log := newLogger(os.Stderr, cfg.LogLevel)

	roots, err := loadRoots(cfg.CAFile)
	if err != nil {
		return err
	}
	id, err := cfg.Identity()
	if err != nil {
		return err
	}

	auth := NewAuthNegotiator(cfg.Gateway, roots, cfg.Insecure, id, cfg.RequestTimeout.D(), log)
	keychain := newMemoryKeychain()
	supplier := newConfigSupplier(cfg, keychain)
	routes := NewRoutingManager(common.SystemRouteApplier{}, cfg.TunName, cfg.SearchDomains, log)
	if ips, err := net.LookupIP(gatewayHost(cfg.Gateway)); err == nil {
		for _, ip := range ips {
			if ip4 := ip.To4(); ip4 != nil {
				routes.SetGatewayPin(ip4)
				break
			}
		}
	} else {
		log.Warn("gateway address not resolvable yet; skipping host-route pin", "err", err)
	}
	tlsCfg := common.TLSClientConfig(gatewayHost(cfg.Gateway), roots, cfg.Insecure, id)
	factory := newRunnerFactory(cfg, tlsCfg, log)
	session := NewConnectionSession(cfg, auth, supplier, keychain, routes, factory, log)
	ipc := NewIpcServer(session, cfg.SocketPath, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("snxd starting", "gateway", cfg.Gateway, "tunnel", cfg.TunnelKind)
	err = ipc.Serve(ctx)

	// Tear the tunnel down before exiting so routes and kernel state never
	// outlive the daemon.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if derr := session.Disconnect(shutdownCtx); derr != nil {
		log.Warn("disconnect on shutdown", "err", derr)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func newIpcCmd(flags *cliFlags, command string) *cobra.Command {
	short := map[string]string{
		CmdConnect:    "Bring the tunnel up",
		CmdDisconnect: "Tear the tunnel down",
		CmdReconnect:  "Drop and re-establish the tunnel",
		CmdStatus:     "Show the session state",
		CmdInfo:       "Probe the gateway for login options",
	}[command]
	return &cobra.Command{
		Use:   command,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			resp, err := IpcCall(cfg.SocketPath, command, 3*time.Minute)
			if err != nil {
				return err
			}
			if resp.Error != "" {
				return fmt.Errorf("%s", resp.Error)
			}
			printResponse(cmd, resp)
			return nil
		},
	}
}

func printResponse(cmd *cobra.Command, resp *IpcResponse) {
	out := cmd.OutOrStdout()
	if resp.Info != nil {
		fmt.Fprintf(out, "tunnel protocols: %v\n", resp.Info.Protocols)
		fmt.Fprintln(out, "login options:")
		for _, o := range resp.Info.LoginTypes {
			fmt.Fprintf(out, "  %-30s %s\n", o.ID, o.DisplayName)
		}
		return
	}
	if resp.Status != nil {
		st := resp.Status
		fmt.Fprintf(out, "state:   %s\n", st.State)
		if st.VirtualIP != "" {
			fmt.Fprintf(out, "ip:      %s\n", st.VirtualIP)
		}
		if st.TunnelKind != "" {
			fmt.Fprintf(out, "tunnel:  %s\n", st.TunnelKind)
		}
		if st.UptimeSeconds > 0 {
			fmt.Fprintf(out, "uptime:  %ds\n", st.UptimeSeconds)
		}
		if st.ReconnectAttempt > 0 {
			fmt.Fprintf(out, "retries: %d\n", st.ReconnectAttempt)
		}
		if st.LastError != "" {
			fmt.Fprintf(out, "last error: %s\n", st.LastError)
		}
	}
}
