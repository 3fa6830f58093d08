package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"nat64/pkg/dns64"
	"nat64/pkg/nat64"
)

var (
	UseTCP       = flag.Bool("tcp", true, "Use TCP")
	BindAddr     = flag.String("bind", ":53", "Address to bind to")
	ResolverAddr = flag.String("resolver", "1.1.1.1:53", "Recursive DNS resolver address")
	Prefix       = flag.String("prefix", "64:ff9b::/96", "IPv6 translation prefix to synthesize AAAA records under")
)

func main() {
	flag.Parse()

	// Set up logger
	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	logConfig.Encoding = "console"

	logger, err := logConfig.Build()
	if err != nil {
		fmt.Println("Failed to create logger: ", err)
		os.Exit(1)
	}

	addr, network, err := net.ParseCIDR(*Prefix)
	if err != nil {
		logger.Fatal("Invalid -prefix", zap.Error(err))
	}
	length, _ := network.Mask.Size()
	pool6, err := nat64.NewPool6(nat64.Prefix6{Addr: addr, Len: length})
	if err != nil {
		logger.Fatal("Invalid -prefix", zap.Error(err))
	}

	// Configure and started DNS64 server
	opts := dns64.Options{
		UseTCP:       *UseTCP,
		BindAddr:     *BindAddr,
		ResolverAddr: *ResolverAddr,
		Pool6:        pool6,
	}

	server := dns64.NewServer(opts, logger)
	server.Run()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt)
	<-shutdown
}
