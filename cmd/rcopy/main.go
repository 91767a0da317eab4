package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	rcopy "github.com/sfontaine/rcopy"
	"github.com/sfontaine/rcopy/pkg/receiver"
	"github.com/sfontaine/rcopy/pkg/transport"
)

func usage() {
	fmt.Fprintf(os.Stderr,
		"Usage: %s [flags] from-filename to-filename window-size buffer-size error-rate remote-machine remote-port\n",
		os.Args[0])
	flag.PrintDefaults()
}

func main() {
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) != 7 {
		usage()
		os.Exit(1)
	}

	fromFile, toFile := args[0], args[1]
	if len(fromFile) == 0 || len(fromFile) > rcopy.FilenameMax {
		fmt.Fprintf(os.Stderr, "Invalid from-filename: %s\n", fromFile)
		os.Exit(1)
	}
	if len(toFile) == 0 || len(toFile) > rcopy.FilenameMax {
		fmt.Fprintf(os.Stderr, "Invalid to-filename: %s\n", toFile)
		os.Exit(1)
	}

	windowSize, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil || windowSize < 1 || windowSize > rcopy.WindowSizeMax {
		fmt.Fprintf(os.Stderr, "Invalid window-size: %s\n", args[2])
		os.Exit(1)
	}
	bufferSize, err := strconv.ParseUint(args[3], 10, 16)
	if err != nil || bufferSize < rcopy.PayloadMin || bufferSize > rcopy.PayloadMax {
		fmt.Fprintf(os.Stderr, "Invalid buffer-size: %s\n", args[3])
		os.Exit(1)
	}
	errorRate, err := strconv.ParseFloat(args[4], 64)
	if err != nil || errorRate < 0.0 || errorRate > 1.0 {
		fmt.Fprintf(os.Stderr, "Invalid error-rate: %s\n", args[4])
		os.Exit(1)
	}
	host := args[5]
	port, err := strconv.ParseUint(args[6], 10, 16)
	if err != nil || port == 0 {
		fmt.Fprintf(os.Stderr, "Invalid remote-port: %s\n", args[6])
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		log.SetLevel(log.DebugLevel)
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	dial := func() (rcopy.Transport, error) {
		conn, err := transport.DialUDP(host, uint16(port))
		if err != nil {
			return nil, err
		}
		if errorRate > 0 {
			return transport.WithErrors(conn, errorRate, 0), nil
		}
		return conn, nil
	}

	r, err := receiver.New(receiver.Options{
		FromFile:   fromFile,
		ToFile:     toFile,
		WindowSize: uint32(windowSize),
		BufferSize: uint16(bufferSize),
		Logger:     logger,
	}, dial)
	if err != nil {
		log.Errorf("could not create receiver: %v", err)
		os.Exit(1)
	}

	if err := r.Run(); err != nil {
		if !errors.Is(err, rcopy.ErrFileNotFound) {
			log.Errorf("transfer failed: %v", err)
		}
		os.Exit(1)
	}
}
