package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"nat64/pkg/nat64"
)

var Prefix = flag.String("prefix", "64:ff9b::/96", "IPv6 translation prefix to embed the address under")

func main() {
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Println("Usage: ./convert-address [-prefix <prefix>] <address>")
		os.Exit(1)
	}

	addr, network, err := net.ParseCIDR(*Prefix)
	if err != nil {
		fmt.Println("Invalid -prefix:", err)
		os.Exit(1)
	}
	length, _ := network.Mask.Size()

	ip := net.ParseIP(flag.Arg(0))
	if ip == nil || ip.To4() == nil {
		fmt.Println("Invalid IPv4 address")
		os.Exit(1)
	}

	fmt.Println(nat64.AddrToV6(ip, addr, length).String())
}
