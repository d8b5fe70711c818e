// Command scanmilterd bridges an MTA speaking the milter protocol to an
// HTTP mail-scanning backend: it accumulates each message, posts it to the
// scanner, and applies the returned verdict as milter actions.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	milter "github.com/relayguard/scanmilter"
	"github.com/relayguard/scanmilter/bridge"
	"github.com/relayguard/scanmilter/bridge/metrics"
)

func main() {
	transport := flag.String("transport", "tcp", "Transport to use for the milter socket: 'tcp', 'unix', 'tcp4' or 'tcp6'")
	address := flag.String("address", "127.0.0.1:8894", "Transport address: path for 'unix', address:port for 'tcp'")
	scannerURL := flag.String("scanner-url", "", "Base URL of the HTTP scanning backend (required)")
	scanTimeout := flag.Duration("scan-timeout", 30*time.Second, "Timeout for a single scan request")
	spamHeader := flag.String("spam-header", "X-Spam", "Header name the add_header verdict action sets")
	noActionHeader := flag.String("no-action-header", "X-Would-Action", "Header name the no-action probe mode records the would-be action in")
	discardOnReject := flag.Bool("discard-on-reject", false, "Discard instead of rejecting with a 5xx code on the reject verdict action")
	noAction := flag.Bool("no-action", false, "Probe mode: record the verdict action in a header and accept instead of rejecting/discarding/tempfailing; failed scans and verdicts without an action still tempfail")
	metricsAddress := flag.String("metrics-address", "127.0.0.1:9394", "Address the Prometheus /metrics endpoint listens on, empty to disable")
	shutdownTimeout := flag.Duration("shutdown-timeout", 10*time.Second, "Grace period for in-flight connections to finish on shutdown")
	flag.Parse()

	if *scannerURL == "" {
		log.Fatal("scanmilterd: -scanner-url is required")
	}

	m := metrics.New()

	// The engine has no dedicated error callback (spec.md §7's error kinds
	// are internal to command.go); LogWarning is its one seam for surfacing
	// a terminated session, so that's where the protocol-error counter hooks in.
	defaultLogWarning := milter.LogWarning
	milter.LogWarning = func(format string, v ...interface{}) {
		m.ObserveProtocolError()
		defaultLogWarning(format, v...)
	}

	br, err := bridge.New(
		bridge.WithScanner(*scannerURL, *scanTimeout),
		bridge.WithSpamHeader(*spamHeader),
		bridge.WithNoActionHeader(*noActionHeader),
		bridge.WithDiscardOnReject(*discardOnReject),
		bridge.WithNoAction(*noAction),
		bridge.WithMetrics(m),
	)
	if err != nil {
		log.Fatalf("scanmilterd: %v", err)
	}

	if *transport == "unix" {
		_ = os.Remove(*address)
	}
	socket, err := net.Listen(*transport, *address)
	if err != nil {
		log.Fatalf("scanmilterd: listen: %v", err)
	}
	if *transport == "unix" {
		if err := os.Chmod(*address, 0660); err != nil {
			log.Fatalf("scanmilterd: chmod socket: %v", err)
		}
		defer func() { _ = os.Remove(*address) }()
	}

	server := milter.NewServer(
		milter.WithDynamicMilter(br.NewConnectionMilter),
		milter.WithActions(milter.AllActionMasks),
		milter.WithMacroRequest(milter.StageMail, []milter.MacroName{milter.MacroMailHost}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsSrv *http.Server
	if *metricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Addr: *metricsAddress, Handler: mux}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("scanmilterd: listening on %s:%s", socket.Addr().Network(), socket.Addr().String())
		if err := server.Serve(socket); err != nil && !errors.Is(err, milter.ErrServerClosed) {
			return err
		}
		return nil
	})

	if metricsSrv != nil {
		g.Go(func() error {
			log.Printf("scanmilterd: metrics listening on %s", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Print("scanmilterd: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("scanmilterd: %v", err)
	}
}
