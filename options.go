package mdns

import (
	"log/slog"
	"net"
)

// Option configures a Zeroconf instance at construction time, following the
// functional-options pattern (cf. joshuafuller-beacon/responder/options.go).
type Option func(*config) error

type config struct {
	ifaces     []net.Interface
	hostname   string
	logger     *slog.Logger
	ttl        uint32
	platform   Platform
	bindAddr   net.IP
	ipv4, ipv6 bool
}

func defaultConfig() *config {
	hostname, _ := defaultHostname()
	return &config{
		hostname: hostname,
		ttl:      defaultTTL,
		platform: defaultPlatform{},
		ipv4:     true,
		ipv6:     true,
	}
}

func defaultHostname() (string, error) {
	h, err := osHostname()
	if err != nil {
		return "", err
	}
	return h, nil
}

// WithInterfaces restricts the socket to a specific set of network
// interfaces instead of every multicast-capable interface on the host.
func WithInterfaces(ifaces []net.Interface) Option {
	return func(c *config) error {
		c.ifaces = ifaces
		return nil
	}
}

// WithHostname overrides the advertised hostname (without the ".local."
// suffix, which is appended automatically).
func WithHostname(name string) Option {
	return func(c *config) error {
		c.hostname = name
		return nil
	}
}

// WithLogger overrides the package-wide logger for this instance only would
// require per-instance loggers; mdns keeps a single package logger like the
// teacher, so this simply calls SetLogger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) error {
		c.logger = l
		return nil
	}
}

// WithTTL overrides the default TTL (seconds) used for owned records.
func WithTTL(ttl uint32) Option {
	return func(c *config) error {
		c.ttl = ttl
		return nil
	}
}

// WithPlatform substitutes the interface-enumeration collaborator, mainly
// for tests.
func WithPlatform(p Platform) Option {
	return func(c *config) error {
		c.platform = p
		return nil
	}
}

// WithBindAddress restricts the underlying UDP sockets to a specific local
// address instead of the wildcard address (spec.md §6: "create instance
// (optional bound address)"). The zero value (the default, unset) binds to
// the wildcard address on every joined interface as before.
func WithBindAddress(addr net.IP) Option {
	return func(c *config) error {
		c.bindAddr = addr
		return nil
	}
}

// WithIPv4Only disables the IPv6 transport.
func WithIPv4Only() Option {
	return func(c *config) error {
		c.ipv6 = false
		return nil
	}
}

// WithIPv6Only disables the IPv4 transport.
func WithIPv6Only() Option {
	return func(c *config) error {
		c.ipv4 = false
		return nil
	}
}
