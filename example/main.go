package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	mdns "github.com/quietloop/zeroconf"
	"github.com/quietloop/zeroconf/example/util"
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

	ip, err := util.GetOutboundIP()
	if err != nil {
		fmt.Println("Error getting outbound IP:", err)
		return
	}

	text := mdns.EncodeTXT(map[string][]byte{"path": []byte("/")})
	if _, err := z.Register(*instance, *svcType, "local.", uint16(*port), text, ip, nil); err != nil {
		panic(err)
	}

	z.AddServiceListener(*svcType, func(event mdns.CacheEvent, entry mdns.ServiceEntry) {
		fmt.Printf("service event: %+v\n", entry)
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("mDNS server running. Press Ctrl+C to exit.")
	<-sig
}
