package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fanout/internal/stub"
	"github.com/3cpo-dev/fanout/internal/telemetry"
)

func main() {
	addr := flag.String("addr", ":8088", "listen address")
	upper := flag.Bool("upper", false, "upper-case echoed replies")
	failFirst := flag.Int("fail-first", 0, "fail the first N chat requests")
	failMode := flag.String("fail-mode", stub.FailStatus, "injected failure: status or drop")
	failStatus := flag.Int("fail-status", http.StatusServiceUnavailable, "status code for injected failures")
	latency := flag.Duration("latency", 0, "delay every chat reply")
	token := flag.String("token", os.Getenv("FANOUT_STUB_TOKEN"), "required bearer token")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	telemetry.InitGlobal(true)

	srv := &stub.Server{
		Version:    "dev",
		Token:      *token,
		Upper:      *upper,
		FailFirst:  *failFirst,
		FailMode:   *failMode,
		FailStatus: *failStatus,
		Latency:    *latency,
	}
	tlsCfg := stub.LoadTLSConfig()
	go func() {
		var err error
		if tlsCfg.Enabled() {
			err = srv.ListenAndServeTLS(*addr, tlsCfg)
		} else {
			err = srv.ListenAndServe(*addr)
		}
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}()
	fmt.Fprintf(os.Stdout, "fanout-stub listening on %s\n", *addr)
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	fmt.Fprintln(os.Stdout, "fanout-stub shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	_ = telemetry.Shutdown()
}
