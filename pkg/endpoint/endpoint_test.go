package endpoint

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func TestWrapCommand(t *testing.T) {
	tests := []struct {
		name string
		ep   *Endpoint
		want string
	}{
		{
			name: "nil endpoint is local",
			ep:   nil,
			want: "/bin/sh -c zfs list",
		},
		{
			name: "default template",
			ep:   New("vault.example.org", 0, "", ""),
			want: "ssh -l root -p 22 vault.example.org zfs list",
		},
		{
			name: "custom template and login",
			ep:   New("vault.example.org", 2222, "backup", "ssh -o BatchMode=yes -l {login} -p {port} {host}"),
			want: "ssh -o BatchMode=yes -l backup -p 2222 vault.example.org zfs list",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.Join(tt.ep.WrapCommand("zfs list"), " ")
			if got != tt.want {
				t.Errorf("WrapCommand = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProbeReachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	addr := listener.Addr().(*net.TCPAddr)

	ep := New("127.0.0.1", addr.Port, "", "")
	if err := ep.Probe(time.Second, 0, 1); err != nil {
		t.Errorf("Probe of live listener failed: %v", err)
	}
}

func TestProbeUnreachable(t *testing.T) {
	// A listener that is immediately closed leaves a port nothing
	// answers on.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().(*net.TCPAddr)
	listener.Close()

	ep := New("127.0.0.1", addr.Port, "", "")
	err = ep.Probe(100*time.Millisecond, time.Millisecond, 2)
	if err == nil {
		t.Fatal("Probe of dead port succeeded")
	}
	var unreachable *UnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("Probe error is %T, want *UnreachableError", err)
	}
	if unreachable.Port != addr.Port {
		t.Errorf("error port = %d, want %d", unreachable.Port, addr.Port)
	}
}

func TestProbeCacheRemembersVerdict(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().(*net.TCPAddr)
	cache := NewProbeCache(100*time.Millisecond, time.Millisecond, 1)

	ep := New("127.0.0.1", addr.Port, "", "")
	if err := cache.Check(ep); err != nil {
		t.Fatalf("first Check failed: %v", err)
	}

	// The verdict is cached, so a now-dead port still reads as
	// reachable within the same tick.
	listener.Close()
	if err := cache.Check(ep); err != nil {
		t.Errorf("cached Check failed: %v", err)
	}

	// A fresh cache sees the truth and caches the failure.
	cache = NewProbeCache(100*time.Millisecond, time.Millisecond, 1)
	if err := cache.Check(ep); err == nil {
		t.Fatal("Check of dead port succeeded")
	}
	if err := cache.Check(ep); err == nil {
		t.Fatal("cached failure lost")
	}
}

func TestLocalEndpointNeedsNoProbe(t *testing.T) {
	cache := NewProbeCache(time.Millisecond, 0, 1)
	if err := cache.Check(nil); err != nil {
		t.Errorf("Check(nil) = %v, want nil", err)
	}
	var local *Endpoint
	if !local.IsLocal() {
		t.Error("nil endpoint should be local")
	}
}
