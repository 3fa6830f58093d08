package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"nat64/pkg/nat64"
)

var (
	TunName       = flag.String("tun", "tun0", "Name of the TUN device")
	WanInterface  = flag.String("wan", "eth0", "Name of the WAN interface")
	BufferSize    = flag.Int("buffer", 1500, "Size of the buffer for reading packets - should be the same as the MTU of the TUN device")
	AutoConfigure = flag.Bool("auto-configure", true, "Whether to automatically configure the IP routes and iptables NAT rules")
	Pool4         = flag.String("pool4", "10.10.10.10", "Comma-separated list of IPv4 addresses the translator may assign to new BIB entries")
	Pool6         = flag.String("pool6", "64:ff9b::/96", "Comma-separated list of IPv6 translation prefixes")
	ControlAddr   = flag.String("control", "127.0.0.1:6146", "Address the control channel listens on")
)

func parsePool4(s string) ([]net.IP, error) {
	var out []net.IP
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr := net.ParseIP(part)
		if addr == nil || addr.To4() == nil {
			return nil, fmt.Errorf("invalid pool4 address %q", part)
		}
		out = append(out, addr.To4())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pool4 must contain at least one address")
	}
	return out, nil
}

func parsePool6(s string) ([]nat64.Prefix6, error) {
	var out []nat64.Prefix6
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, network, err := net.ParseCIDR(part)
		if err != nil {
			return nil, fmt.Errorf("invalid pool6 prefix %q: %w", part, err)
		}
		length, _ := network.Mask.Size()
		out = append(out, nat64.Prefix6{Addr: addr, Len: length})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pool6 must contain at least one prefix")
	}
	return out, nil
}

func main() {
	flag.Parse()

	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	logConfig.Encoding = "console"

	logger, err := logConfig.Build()
	if err != nil {
		fmt.Println("Error creating logger:", err)
		os.Exit(1)
	}

	pool4, err := parsePool4(*Pool4)
	if err != nil {
		logger.Fatal("Invalid -pool4", zap.Error(err))
	}
	pool6, err := parsePool6(*Pool6)
	if err != nil {
		logger.Fatal("Invalid -pool6", zap.Error(err))
	}

	opts := nat64.Options{
		TunName:          *TunName,
		WANInterfaceName: *WanInterface,
		BufferSize:       *BufferSize,
		AutoConfigure:    *AutoConfigure,
		Pool4Addresses:   pool4,
		Pool6Prefixes:    pool6,
		Config:           nat64.DefaultConfig(),
	}

	gateway, err := nat64.NewGateway(opts, logger)
	if err != nil {
		logger.Fatal("Error building NAT64 gateway", zap.Error(err))
	}

	if err := gateway.Configure(); err != nil {
		logger.Fatal("Error configuring NAT64 gateway", zap.Error(err))
	}

	gatewayErrCh := gateway.Run()

	control := nat64.NewControlServer(*ControlAddr, gateway.State(), logger)
	if err := control.Start(); err != nil {
		logger.Error("Error starting control channel", zap.Error(err))
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt)
	select {
	case err := <-gatewayErrCh:
		logger.Error("NAT64 gateway encountered an error, shutting down", zap.Error(err))
	case <-shutdown:
	}

	control.Stop()

	if err := gateway.Teardown(); err != nil {
		logger.Fatal("Error tearing down NAT64 gateway", zap.Error(err))
	}
}
