// Command duct-server runs the public-facing half of the duct
// reverse-tunnel broker: the mTLS control plane that negotiates
// tunnels with clients, and the public HTTP/TCP ingress planes that
// turn external traffic into framed protocol messages.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ductlabs/duct/internal/config"
	"github.com/ductlabs/duct/internal/controlplane"
	"github.com/ductlabs/duct/internal/dnsprovider"
	"github.com/ductlabs/duct/internal/ingress"
	"github.com/ductlabs/duct/internal/metrics"
	"github.com/ductlabs/duct/internal/secrets"
	"github.com/ductlabs/duct/internal/tlsutil"
	"github.com/ductlabs/duct/internal/tunnel"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var flags struct {
	controlPort int
	httpPort    int
	baseDomain  string

	serverCert string
	serverKey  string
	clientCA   string

	httpCert string
	httpKey  string

	tcpPortLo int
	tcpPortHi int

	metricsAddr string
	logLevel    string

	acceptRate float64
}

func main() {
	root := &cobra.Command{
		Use:           "duct-server",
		Short:         "Reverse-tunnel broker server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	addServerFlags(root.Flags())

	if err := root.MarkFlagRequired("base-domain"); err != nil {
		panic(err)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// addServerFlags registers duct-server's flags on fs. Split out as a
// plain *pflag.FlagSet function so the flag set can be built the same
// way regardless of whether it backs a cobra command or a bare
// pflag.NewFlagSet in a test.
func addServerFlags(fs *pflag.FlagSet) {
	fs.IntVar(&flags.controlPort, "control-port", 4443, "mTLS control-plane listen port")
	fs.IntVar(&flags.httpPort, "http-port", 8080, "public HTTP ingress listen port")
	fs.StringVar(&flags.baseDomain, "base-domain", "", "DNS suffix tunnels are minted under (required)")

	fs.StringVar(&flags.serverCert, "server-cert", "", "server certificate PEM secret uri (required)")
	fs.StringVar(&flags.serverKey, "server-key", "", "server private key PEM secret uri (required)")
	fs.StringVar(&flags.clientCA, "client-ca", "", "CA PEM secret uri used to verify client certificates (required)")

	fs.StringVar(&flags.httpCert, "http-cert", "", "optional HTTP ingress certificate PEM secret uri")
	fs.StringVar(&flags.httpKey, "http-key", "", "optional HTTP ingress private key PEM secret uri")

	fs.IntVar(&flags.tcpPortLo, "tcp-port-lo", 30000, "low end of the allocatable TCP tunnel port range")
	fs.IntVar(&flags.tcpPortHi, "tcp-port-hi", 40000, "high end of the allocatable TCP tunnel port range")

	fs.StringVar(&flags.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	fs.StringVar(&flags.logLevel, "log-level", "info", "debug|info|warn|error")

	fs.Float64Var(&flags.acceptRate, "accept-rate", float64(controlplane.DefaultAcceptRate), "max new control-plane connections/sec")
}

func run(cmd *cobra.Command, _ []string) error {
	logger := logrus.StandardLogger()
	if lvl, err := logrus.ParseLevel(flags.logLevel); err == nil {
		logger.SetLevel(lvl)
	}

	cfg, err := resolveServerConfig()
	if err != nil {
		return trace.Wrap(err, "resolve configuration")
	}

	serverTLS, err := tlsutil.ServerMTLSConfig(cfg.ServerCertPEM, cfg.ServerKeyPEM, cfg.ClientCAPEM)
	if err != nil {
		return trace.Wrap(err, "build control-plane tls config")
	}
	httpTLS, err := tlsutil.ServerHTTPConfig(cfg.HTTPIngressCertPEM, cfg.HTTPIngressKeyPEM)
	if err != nil {
		return trace.Wrap(err, "build http ingress tls config")
	}

	router := tunnel.NewRouter()
	ports := tunnel.NewPortAllocator(cfg.TCPPortLow, cfg.TCPPortHigh)
	pending := tunnel.NewPendingRegistry()
	tcpRegistry := tunnel.NewTCPRegistry()
	streamIDs := tunnel.NewStreamIDGenerator()
	dns := dnsprovider.NewMock()
	m := metrics.New()
	ports.Metrics = m
	pending.Metrics = m

	tcpPlane := ingress.NewTCPPlane(tcpRegistry, streamIDs, logger)
	tcpPlane.Metrics = m

	controlLn, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", cfg.ControlPort))
	if err != nil {
		return trace.Wrap(err, "listen control-plane port %d", cfg.ControlPort)
	}
	controlLn = tls.NewListener(controlLn, serverTLS)

	server := controlplane.NewServer(controlLn, router, ports, pending, tcpRegistry, dns, cfg.BaseDomain, tcpPlane.Serve, m, logger, rate.Limit(flags.acceptRate))

	httpPlane := ingress.NewHTTPPlane(router, streamIDs, pending, cfg.BaseDomain, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", cfg.HTTPPort),
		Handler: httpPlane,
	}
	if httpTLS != nil {
		httpServer.TLSConfig = httpTLS
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.WithField("addr", controlLn.Addr()).Info("control plane listening")
		return server.Serve(ctx)
	})

	group.Go(func() error {
		logger.WithField("addr", httpServer.Addr).Info("http ingress listening")
		var err error
		if httpTLS != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return trace.Wrap(err, "http ingress")
		}
		return nil
	})

	if cfg.MetricsAddr != "" {
		m.MustRegister(prometheus.DefaultRegisterer)
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
		group.Go(func() error {
			logger.WithField("addr", cfg.MetricsAddr).Info("metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return trace.Wrap(err, "metrics server")
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			return metricsServer.Close()
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received, draining")
		return httpServer.Close()
	})

	if err := group.Wait(); err != nil {
		return trace.Wrap(err)
	}
	logger.Info("server shutdown complete")
	return nil
}

func resolveServerConfig() (config.Server, error) {
	cfg := config.DefaultServer()
	cfg.ControlPort = flags.controlPort
	cfg.HTTPPort = flags.httpPort
	cfg.BaseDomain = flags.baseDomain
	cfg.TCPPortLow = uint16(flags.tcpPortLo)
	cfg.TCPPortHigh = uint16(flags.tcpPortHi)
	cfg.MetricsAddr = flags.metricsAddr

	resolver := secrets.NewResolver()
	var err error
	if cfg.ServerCertPEM, err = resolver.Resolve(flags.serverCert); err != nil {
		return cfg, trace.Wrap(err, "resolve --server-cert")
	}
	if cfg.ServerKeyPEM, err = resolver.Resolve(flags.serverKey); err != nil {
		return cfg, trace.Wrap(err, "resolve --server-key")
	}
	if cfg.ClientCAPEM, err = resolver.Resolve(flags.clientCA); err != nil {
		return cfg, trace.Wrap(err, "resolve --client-ca")
	}
	if flags.httpCert != "" {
		if cfg.HTTPIngressCertPEM, err = resolver.Resolve(flags.httpCert); err != nil {
			return cfg, trace.Wrap(err, "resolve --http-cert")
		}
	}
	if flags.httpKey != "" {
		if cfg.HTTPIngressKeyPEM, err = resolver.Resolve(flags.httpKey); err != nil {
			return cfg, trace.Wrap(err, "resolve --http-key")
		}
	}
	return cfg, nil
}
