// Package endpoint models the remote side of a replication pair: the
// SSH command template, the TCP reachability probe and the argv
// construction for running commands on the peer.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"gopkg.in/alessio/shellescape.v1"
	"k8s.io/klog/v2"
)

const (
	// DefaultCommand is used when replicate_endpoint_command is not set.
	DefaultCommand = "ssh -l {login} -p {port} {host}"
	// DefaultLogin is used when replicate_endpoint_login is not set.
	DefaultLogin = "root"
	// DefaultPort is the SSH port probed and dialled by default.
	DefaultPort = 22
)

// UnreachableError marks an endpoint whose TCP probe failed. Operations
// requiring the endpoint fail fast with this error instead of hanging
// in an SSH connect.
type UnreachableError struct {
	Host string
	Port int
	Err  error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("endpoint %s unreachable: %v", net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// Endpoint describes one replication peer. A nil Endpoint, or one with
// an empty Host, is the local machine.
type Endpoint struct {
	Host     string
	Port     int
	Login    string
	Template string
}

// New fills in the defaults for port, login and command template.
func New(host string, port int, login, template string) *Endpoint {
	if port == 0 {
		port = DefaultPort
	}
	if login == "" {
		login = DefaultLogin
	}
	if template == "" {
		template = DefaultCommand
	}
	return &Endpoint{Host: host, Port: port, Login: login, Template: template}
}

// IsLocal reports whether commands run directly instead of over SSH.
func (e *Endpoint) IsLocal() bool {
	return e == nil || e.Host == ""
}

// Addr returns the host:port pair probed before use.
func (e *Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// sshArgv expands the command template into an argv. The template uses
// {host}, {port} and {login} placeholders.
func (e *Endpoint) sshArgv() []string {
	expanded := strings.NewReplacer(
		"{host}", e.Host,
		"{port}", strconv.Itoa(e.Port),
		"{login}", e.Login,
	).Replace(e.Template)
	return strings.Fields(expanded)
}

// WrapCommand turns a remote shell command line into the argv that runs
// it on this endpoint. Local endpoints run through the shell directly.
func (e *Endpoint) WrapCommand(command string) []string {
	if e.IsLocal() {
		return []string{"/bin/sh", "-c", command}
	}
	return append(e.sshArgv(), command)
}

// QuoteArg escapes a single word for inclusion in a remote command
// line.
func QuoteArg(arg string) string {
	return shellescape.Quote(arg)
}

// Probe attempts a TCP connect to the endpoint, retrying a few times
// with retryWait between attempts. It returns *UnreachableError on
// failure; local endpoints always succeed.
func (e *Endpoint) Probe(timeout, retryWait time.Duration, attempts int) error {
	if e.IsLocal() {
		return nil
	}
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(retryWait)
		}
		conn, err := net.DialTimeout("tcp", e.Addr(), timeout)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
	}
	return &UnreachableError{Host: e.Host, Port: e.Port, Err: lastErr}
}

// ProbeCache remembers probe outcomes for the duration of one scheduler
// tick, so a host that is down is dialled once and not per dataset.
type ProbeCache struct {
	Timeout   time.Duration
	RetryWait time.Duration
	Attempts  int

	reachable   map[string]bool
	unreachable map[string]*UnreachableError
}

// NewProbeCache builds a cache with the daemon's probe settings.
func NewProbeCache(timeout, retryWait time.Duration, attempts int) *ProbeCache {
	return &ProbeCache{
		Timeout:     timeout,
		RetryWait:   retryWait,
		Attempts:    attempts,
		reachable:   map[string]bool{},
		unreachable: map[string]*UnreachableError{},
	}
}

// Check probes the endpoint unless its (host, port) pair already has a
// cached verdict for this tick.
func (c *ProbeCache) Check(e *Endpoint) error {
	if e.IsLocal() {
		return nil
	}
	addr := e.Addr()
	if c.reachable[addr] {
		return nil
	}
	if err, down := c.unreachable[addr]; down {
		return err
	}
	if err := e.Probe(c.Timeout, c.RetryWait, c.Attempts); err != nil {
		var unreachable *UnreachableError
		if errors.As(err, &unreachable) {
			c.unreachable[addr] = unreachable
			klog.V(1).Infof("Probe of %s failed: %v", addr, unreachable.Err)
			return unreachable
		}
		return err
	}
	c.reachable[addr] = true
	return nil
}
