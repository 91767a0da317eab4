package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/sfontaine/rcopy/pkg/config"
	"github.com/sfontaine/rcopy/pkg/sender"
	"github.com/sfontaine/rcopy/pkg/stats"
	"github.com/sfontaine/rcopy/pkg/transport"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] error-rate [optional-port-number]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "optional ini settings file")
	metricsAddr := flag.String("metrics", "", "expose prometheus metrics on this address, e.g. :2112")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 || len(args) > 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	errorRate, err := strconv.ParseFloat(args[0], 64)
	if err != nil || errorRate < 0.0 || errorRate > 1.0 {
		fmt.Fprintf(os.Stderr, "Invalid error-rate: %s\n", args[0])
		os.Exit(1)
	}

	port := cfg.Port
	if len(args) == 2 {
		value, err := strconv.ParseUint(args[1], 10, 16)
		if err != nil || value == 0 {
			fmt.Fprintf(os.Stderr, "Invalid port: %s\n", args[1])
			os.Exit(1)
		}
		port = uint16(value)
	}

	level := slog.LevelInfo
	if *verbose || cfg.LogLevel == "debug" {
		log.SetLevel(log.DebugLevel)
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	addr := *metricsAddr
	if addr == "" {
		addr = cfg.MetricsAddr
	}
	st := stats.NewTransfer()
	if addr != "" {
		reg := prometheus.NewRegistry()
		if err := st.Register(reg); err != nil {
			log.Errorf("registering metrics: %v", err)
			os.Exit(1)
		}
		go func() {
			if err := stats.Serve(addr, reg); err != nil {
				log.Errorf("metrics listener: %v", err)
			}
		}()
		log.Infof("metrics on %s/metrics", addr)
	}

	listener, err := transport.ListenUDP(port)
	if err != nil {
		log.Errorf("could not bind listening socket: %v", err)
		os.Exit(1)
	}
	defer listener.Close()

	srv, err := sender.NewServer(listener, sender.Options{
		ErrorRate: errorRate,
		Logger:    logger,
		Stats:     st,
	})
	if err != nil {
		log.Errorf("could not create server: %v", err)
		os.Exit(1)
	}

	log.Infof("server listening on port %d, error rate %.2f", listener.Port(), errorRate)
	if err := srv.Serve(context.Background()); err != nil {
		log.Errorf("server stopped: %v", err)
		os.Exit(1)
	}
}
