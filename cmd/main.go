package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	mdns "github.com/quietloop/zeroconf"
)

var (
	debug    = flag.Bool("debug", false, "Enable debug mode")
	instance = flag.String("instance", "example", "Service instance name")
	svcType  = flag.String("type", "_http._tcp", "Service type")
	port     = flag.Int("port", 8080, "Service port")
)

func main() {
	flag.Parse()

	if *debug {
		mdns.SetDebug(true)
	}

	z, err := mdns.New()
	if err != nil {
		panic(err)
	}
	defer z.Close()

	addr4 := net.ParseIP("192.168.1.1")
	if _, err := z.Register(*instance, *svcType, "local.", uint16(*port), nil, addr4, nil); err != nil {
		panic(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("mDNS server running. Press Ctrl+C to exit.")
	<-sig
}
