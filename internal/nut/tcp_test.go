package nut

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

// serveUPSD runs a minimal upsd on a loopback port. handle returns the
// reply lines for one command; a nil reply makes the server go silent.
func serveUPSD(t *testing.T, handle func(cmd string) []string) Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() }) //nolint:errcheck

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close() //nolint:errcheck
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					reply := handle(strings.TrimSpace(line))
					if reply == nil {
						continue
					}
					c.Write([]byte(strings.Join(reply, "\n") + "\n")) //nolint:errcheck
				}
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return Endpoint{Host: "127.0.0.1", Port: addr.Port}
}

func upsdHandler(cmd string) []string {
	switch cmd {
	case "USERNAME monuser":
		return []string{"OK"}
	case "PASSWORD secret":
		return []string{"OK"}
	case "PASSWORD wrong":
		return []string{"ERR ACCESS-DENIED"}
	case "LIST UPS":
		return DeviceListReply("ups1=Rack UPS")
	case "LIST VAR ups1":
		return VariableListReply("ups1", map[string]string{"ups.status": "OL", "battery.charge": "87"})
	case "LIST VAR hung":
		return nil
	case "LOGOUT":
		return []string{"OK Goodbye"}
	}
	return []string{"ERR UNKNOWN-UPS"}
}

func TestTCPDialer_ListCommands(t *testing.T) {
	ep := serveUPSD(t, upsdHandler)
	s, err := TCPDialer{DialTimeout: time.Second, CommandTimeout: time.Second}.Dial(context.Background(), ep)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close() //nolint:errcheck

	lines, err := s.Command(EncodeListUPS())
	if err != nil {
		t.Fatalf("LIST UPS: %v", err)
	}
	devices, err := DecodeDeviceList(lines)
	if err != nil || len(devices) != 1 || devices[0].Description != "Rack UPS" {
		t.Fatalf("devices = %+v, err = %v", devices, err)
	}

	lines, err = s.Command(EncodeListVars("ups1"))
	if err != nil {
		t.Fatalf("LIST VAR: %v", err)
	}
	vars, err := DecodeVariableList("ups1", lines)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if vars["battery.charge"] != "87" || vars["ups.status"] != "OL" {
		t.Errorf("vars = %v", vars)
	}
}

func TestTCPDialer_ErrReply(t *testing.T) {
	ep := serveUPSD(t, upsdHandler)
	s, err := TCPDialer{CommandTimeout: time.Second}.Dial(context.Background(), ep)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close() //nolint:errcheck

	_, err = s.Command(EncodeListVars("ghost"))
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != "UNKNOWN-UPS" {
		t.Fatalf("err = %v, want ProtocolError UNKNOWN-UPS", err)
	}
	// Session stays usable after an ERR line.
	if _, err := s.Command(EncodeListUPS()); err != nil {
		t.Errorf("command after ERR: %v", err)
	}
}

func TestTCPDialer_Login(t *testing.T) {
	ep := serveUPSD(t, upsdHandler)
	ep.Username, ep.Password = "monuser", "secret"
	s, err := TCPDialer{CommandTimeout: time.Second}.Dial(context.Background(), ep)
	if err != nil {
		t.Fatalf("Dial with credentials: %v", err)
	}
	s.Close() //nolint:errcheck

	ep.Password = "wrong"
	if _, err := (TCPDialer{CommandTimeout: time.Second}).Dial(context.Background(), ep); err == nil {
		t.Fatal("expected authentication failure")
	}
}

func TestTCPDialer_CommandDeadline(t *testing.T) {
	ep := serveUPSD(t, upsdHandler)
	s, err := TCPDialer{CommandTimeout: 30 * time.Millisecond}.Dial(context.Background(), ep)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close() //nolint:errcheck

	start := time.Now()
	_, err = s.Command(EncodeListVars("hung"))
	if err == nil {
		t.Fatal("expected timeout")
	}
	var nerr net.Error
	if !errors.As(err, &nerr) || !nerr.Timeout() {
		t.Errorf("err = %v, want a net timeout", err)
	}
	if time.Since(start) > time.Second {
		t.Error("deadline not applied")
	}
}

func TestTCPDialer_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close() //nolint:errcheck

	_, err = TCPDialer{DialTimeout: time.Second}.Dial(context.Background(), Endpoint{Host: "127.0.0.1", Port: port})
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !strings.Contains(err.Error(), strconv.Itoa(port)) {
		t.Errorf("error %q should name the address", err)
	}
}

func TestTCPDialer_ThroughManager(t *testing.T) {
	ep := serveUPSD(t, upsdHandler)
	m := NewManager(TCPDialer{DialTimeout: time.Second, CommandTimeout: 50 * time.Millisecond}, 0, nil)
	defer m.Close() //nolint:errcheck
	ctx := context.Background()

	c, err := m.Acquire(ctx, ep)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	f := NewFetcher(3, time.Millisecond, nil)
	devices, err := f.ListDevices(ctx, c)
	if err != nil || len(devices) != 1 {
		t.Fatalf("ListDevices = %v, %v", devices, err)
	}

	// A hung read becomes a ConnectionError and evicts the connection.
	if _, err := f.FetchVariables(ctx, c, "hung"); !IsConnectionError(err) {
		t.Fatalf("FetchVariables(hung) err = %v, want ConnectionError", err)
	}
	if m.Len() != 0 {
		t.Error("hung connection should be evicted")
	}

	c2, err := m.Acquire(ctx, ep)
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	vars, err := f.FetchVariables(ctx, c2, "ups1")
	if err != nil || vars["ups.status"] != "OL" {
		t.Errorf("vars = %v, err = %v", vars, err)
	}
}
