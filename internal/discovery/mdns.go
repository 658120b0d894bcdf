// Package discovery advertises this host and finds peer engines over mDNS.
package discovery

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"

	"github.com/grandcat/zeroconf"
)

// DefaultService is the mDNS service type engines advertise under.
const DefaultService = "_proceed._tcp"

const defaultDomain = "local."

// Registrar publishes a service instance until the returned closer is closed.
type Registrar interface {
	Register(instance, service, domain string, port int, txt []string) (io.Closer, error)
}

// Browser streams service entries for service until ctx is done.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// Peer is a discovered engine.
type Peer struct {
	Instance  string            `json:"instance"`
	Host      string            `json:"host"`
	Port      int               `json:"port"`
	Addresses []string          `json:"addresses"`
	Text      map[string]string `json:"txt,omitempty"`
}

// MDNS implements Registrar and Browser on zeroconf.
type MDNS struct{}

type server struct{ s *zeroconf.Server }

func (s server) Close() error {
	s.s.Shutdown()
	return nil
}

// Register implements Registrar.
func (MDNS) Register(instance, service, domain string, port int, txt []string) (io.Closer, error) {
	s, err := zeroconf.Register(instance, service, domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", service, err)
	}
	return server{s: s}, nil
}

// Browse implements Browser with a fresh resolver per call.
func (MDNS) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	r, err := zeroconf.NewResolver()
	if err != nil {
		return fmt.Errorf("create resolver: %w", err)
	}
	return r.Browse(ctx, service, domain, entries)
}

func peerFromEntry(e *zeroconf.ServiceEntry) Peer {
	p := Peer{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
	}
	for _, ip := range e.AddrIPv4 {
		p.Addresses = append(p.Addresses, ip.String())
	}
	for _, ip := range e.AddrIPv6 {
		p.Addresses = append(p.Addresses, ip.String())
	}
	if len(e.Text) > 0 {
		p.Text = make(map[string]string, len(e.Text))
		for _, kv := range e.Text {
			k, v, _ := strings.Cut(kv, "=")
			p.Text[k] = v
		}
	}
	return p
}

func encodeText(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// PortOf extracts the port from a listen address such as ":8080".
func PortOf(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	p, err := net.LookupPort("tcp", port)
	if err != nil {
		return 0, err
	}
	return p, nil
}
