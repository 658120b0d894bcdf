package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/PROCEED-Labs/proceed-native/internal/native"
)

type registration struct {
	instance, service string
	port              int
	txt               []string
	closed            bool
}

func (r *registration) Close() error {
	r.closed = true
	return nil
}

type fakeRegistrar struct {
	regs []*registration
	err  error
}

func (f *fakeRegistrar) Register(instance, service, _ string, port int, txt []string) (io.Closer, error) {
	if f.err != nil {
		return nil, f.err
	}
	r := &registration{instance: instance, service: service, port: port, txt: txt}
	f.regs = append(f.regs, r)
	return r, nil
}

type fakeBrowser struct {
	entries []*zeroconf.ServiceEntry
	closeCh bool
	err     error
}

func (f *fakeBrowser) Browse(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
	if f.err != nil {
		return f.err
	}
	go func() {
		for _, e := range f.entries {
			select {
			case entries <- e:
			case <-ctx.Done():
				return
			}
		}
		if f.closeCh {
			close(entries)
		}
	}()
	return nil
}

func entry(instance string, port int, ip string, txt ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, DefaultService, "local.")
	e.HostName = instance + ".local."
	e.Port = port
	e.Text = txt
	e.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	return e
}

func raw(t *testing.T, vs ...any) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(vs))
	for i, v := range vs {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		out[i] = b
	}
	return out
}

func TestAdvertiseReplacesPrevious(t *testing.T) {
	reg := &fakeRegistrar{}
	m := NewModule(Options{Registrar: reg, Browser: &fakeBrowser{}, Port: 8080})

	opts := map[string]any{"name": "engine-a", "txt": map[string]string{"version": "1"}}
	if _, err := m.ExecuteCommand(context.Background(), native.CmdServiceDiscovery, raw(t, ActionAdvertise, opts), nil); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	if _, err := m.ExecuteCommand(context.Background(), native.CmdServiceDiscovery, raw(t, ActionAdvertise, map[string]any{"name": "engine-b", "port": 9000}), nil); err != nil {
		t.Fatalf("advertise: %v", err)
	}

	if len(reg.regs) != 2 {
		t.Fatalf("registrations = %d, want 2", len(reg.regs))
	}
	first, second := reg.regs[0], reg.regs[1]
	if first.port != 8080 || first.service != DefaultService || len(first.txt) != 1 || first.txt[0] != "version=1" {
		t.Errorf("first registration = %+v", first)
	}
	if !first.closed {
		t.Error("previous advertisement not withdrawn")
	}
	if second.port != 9000 || second.closed {
		t.Errorf("second registration = %+v", second)
	}

	if _, err := m.ExecuteCommand(context.Background(), native.CmdServiceDiscovery, raw(t, ActionUnadvertise), nil); err != nil {
		t.Fatalf("unadvertise: %v", err)
	}
	if !second.closed {
		t.Error("unadvertise left advertisement open")
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close after unadvertise: %v", err)
	}
}

func TestAdvertiseErrors(t *testing.T) {
	m := NewModule(Options{Registrar: &fakeRegistrar{}, Browser: &fakeBrowser{}})
	if _, err := m.ExecuteCommand(context.Background(), native.CmdServiceDiscovery, raw(t, ActionAdvertise, map[string]any{"name": "x"}), nil); err == nil {
		t.Error("expected error without any port")
	}

	boom := errors.New("multicast unavailable")
	m = NewModule(Options{Registrar: &fakeRegistrar{err: boom}, Browser: &fakeBrowser{}, Port: 1})
	if _, err := m.ExecuteCommand(context.Background(), native.CmdServiceDiscovery, raw(t, ActionAdvertise), nil); !errors.Is(err, boom) {
		t.Errorf("err = %v, want registrar error", err)
	}
}

func TestDiscoverMergesAndSorts(t *testing.T) {
	b := &fakeBrowser{
		closeCh: true,
		entries: []*zeroconf.ServiceEntry{
			entry("zeta", 1, "10.0.0.2"),
			entry("alpha", 2, "10.0.0.1", "role=engine"),
			entry("zeta", 3, "10.0.0.3"),
		},
	}
	m := NewModule(Options{Registrar: &fakeRegistrar{}, Browser: b})

	got, err := m.ExecuteCommand(context.Background(), native.CmdServiceDiscovery, raw(t, ActionDiscover, map[string]int{"timeoutMs": 1000}), nil)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	peers := got.([]Peer)
	if len(peers) != 2 {
		t.Fatalf("peers = %+v, want 2", peers)
	}
	if peers[0].Instance != "alpha" || peers[0].Text["role"] != "engine" || peers[0].Addresses[0] != "10.0.0.1" {
		t.Errorf("alpha = %+v", peers[0])
	}
	if peers[1].Instance != "zeta" || peers[1].Port != 3 {
		t.Errorf("zeta = %+v, want latest announcement", peers[1])
	}
}

func TestDiscoverStopsAtTimeout(t *testing.T) {
	b := &fakeBrowser{entries: []*zeroconf.ServiceEntry{entry("only", 1, "10.0.0.1")}}
	m := NewModule(Options{Registrar: &fakeRegistrar{}, Browser: b})

	start := time.Now()
	peers, err := m.Discover(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(peers) != 1 {
		t.Errorf("peers = %+v", peers)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("Discover returned before the timeout")
	}
}

func TestDiscoverCancelled(t *testing.T) {
	m := NewModule(Options{Registrar: &fakeRegistrar{}, Browser: &fakeBrowser{}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Discover(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	boom := errors.New("no interfaces")
	m = NewModule(Options{Registrar: &fakeRegistrar{}, Browser: &fakeBrowser{err: boom}})
	if _, err := m.Discover(context.Background(), time.Second); !errors.Is(err, boom) {
		t.Errorf("err = %v, want browser error", err)
	}
}

func TestUnknownAction(t *testing.T) {
	m := NewModule(Options{Registrar: &fakeRegistrar{}, Browser: &fakeBrowser{}})
	if _, err := m.ExecuteCommand(context.Background(), native.CmdServiceDiscovery, raw(t, "announce"), nil); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("err = %v", err)
	}
	if _, err := m.ExecuteCommand(context.Background(), "other", nil, nil); !errors.Is(err, native.ErrUnknownCommand) {
		t.Errorf("err = %v", err)
	}

	r := native.NewRegistry(nil)
	r.Register(m)
	if err := r.Require(native.CmdServiceDiscovery); err != nil {
		t.Errorf("Require: %v", err)
	}
}

func TestPortOf(t *testing.T) {
	tests := []struct {
		addr string
		want int
	}{
		{":8080", 8080},
		{"127.0.0.1:9000", 9000},
	}
	for _, tt := range tests {
		got, err := PortOf(tt.addr)
		if err != nil || got != tt.want {
			t.Errorf("PortOf(%q) = %d, %v", tt.addr, got, err)
		}
	}
	if _, err := PortOf("nope"); err == nil {
		t.Error("expected error for address without port")
	}
}
