// Command duct-client dials a duct-server broker over mTLS, requests
// a tunnel, and forwards the traffic it carries to a local HTTP or
// TCP service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ductlabs/duct/internal/metrics"
	"github.com/ductlabs/duct/internal/protocol"
	"github.com/ductlabs/duct/internal/secrets"
	"github.com/ductlabs/duct/pkg/client"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var flags struct {
	serverAddr string
	localAddr  string
	subdomain  string
	tunnelType string

	clientCert string
	clientKey  string
	serverCA   string

	metricsAddr string
}

func main() {
	root := &cobra.Command{
		Use:           "duct-client",
		Short:         "Reverse-tunnel broker client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	addClientFlags(root.Flags())

	for _, name := range []string{"server", "local", "cert", "key", "ca"} {
		if err := root.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// addClientFlags registers duct-client's flags on fs.
func addClientFlags(fs *pflag.FlagSet) {
	fs.StringVar(&flags.serverAddr, "server", "", "broker control-plane address, host:port (required)")
	fs.StringVar(&flags.localAddr, "local", "", "local service address to forward to, host:port (required)")
	fs.StringVar(&flags.subdomain, "subdomain", "", "requested subdomain; empty asks the server to synthesize one")
	fs.StringVar(&flags.tunnelType, "tunnel-type", "http", "http|tcp")

	fs.StringVar(&flags.clientCert, "cert", "", "client certificate PEM secret uri (required)")
	fs.StringVar(&flags.clientKey, "key", "", "client private key PEM secret uri (required)")
	fs.StringVar(&flags.serverCA, "ca", "", "CA PEM secret uri used to verify the broker's server certificate (required)")

	fs.StringVar(&flags.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
}

func run(cmd *cobra.Command, _ []string) error {
	kind, err := parseTunnelKind(flags.tunnelType)
	if err != nil {
		return trace.Wrap(err)
	}

	resolver := secrets.NewResolver()
	certPEM, err := resolver.Resolve(flags.clientCert)
	if err != nil {
		return trace.Wrap(err, "resolve --cert")
	}
	keyPEM, err := resolver.Resolve(flags.clientKey)
	if err != nil {
		return trace.Wrap(err, "resolve --key")
	}
	caPEM, err := resolver.Resolve(flags.serverCA)
	if err != nil {
		return trace.Wrap(err, "resolve --ca")
	}

	logger := client.LoggerFromEnv()
	m := metrics.New()
	agent, err := client.NewAgent(
		client.WithServerAddr(flags.serverAddr),
		client.WithClientCertificate(certPEM, keyPEM, caPEM),
		client.WithLogger(logger),
		client.WithMetrics(m),
	)
	if err != nil {
		return trace.Wrap(err, "build agent")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if flags.metricsAddr != "" {
		m.MustRegister(prometheus.DefaultRegisterer)
		metricsServer := &http.Server{Addr: flags.metricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			metricsServer.Close()
		}()
	}

	opts := []client.TunnelOption{
		client.WithKind(kind),
		client.WithUpstream(flags.localAddr),
	}
	if flags.subdomain != "" {
		opts = append(opts, client.WithSubdomain(flags.subdomain))
	}

	tun, err := agent.Forward(ctx, opts...)
	if err != nil {
		return trace.Wrap(err, "establish tunnel")
	}
	logger.Info("tunnel established", "url", tun.URL(), "subdomain", tun.Subdomain())

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, closing tunnel")
	case <-tun.Done():
		logger.Warn("tunnel closed")
	}
	return agent.Close()
}

func parseTunnelKind(s string) (protocol.TunnelKind, error) {
	switch s {
	case "http", "":
		return protocol.KindHTTP, nil
	case "tcp":
		return protocol.KindTCP, nil
	default:
		return "", trace.BadParameter("unknown --tunnel-type %q: want http or tcp", s)
	}
}
