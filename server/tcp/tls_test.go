// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/absmach/voltmq/broker"
	"github.com/absmach/voltmq/config"
	v3 "github.com/absmach/voltmq/mqtt/packets/v3"
	"github.com/absmach/voltmq/storage/memory"
)

func nullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer runs a server on a random port and returns its address
// and a stop function that shuts everything down.
func startServer(t *testing.T, tlsCfg *tls.Config) (string, func()) {
	t.Helper()

	b := broker.NewBroker(memory.New(), nullLogger(), nil, nil, nil, config.BrokerConfig{}, config.SessionConfig{})
	server := New(Config{
		Address:         "127.0.0.1:0",
		TLSConfig:       tlsCfg,
		ShutdownTimeout: 5 * time.Second,
		Logger:          nullLogger(),
	}, b)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(ctx)
	}()

	var addr string
	for i := 0; i < 100; i++ {
		if a := server.Addr(); a != nil {
			addr = a.String()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		cancel()
		t.Fatal("server did not start")
	}

	stop := func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Logf("server shutdown: %v", err)
			}
		case <-time.After(6 * time.Second):
			t.Fatal("server shutdown timeout")
		}
		b.Close()
	}
	return addr, stop
}

// mqttHandshake sends CONNECT and expects a CONNACK back.
func mqttHandshake(t *testing.T, conn net.Conn, clientID string) {
	t.Helper()

	connect := &v3.Connect{
		FixedHeader:     v3.FixedHeader{PacketType: v3.ConnectType},
		ProtocolName:    "MQTT",
		ProtocolVersion: 4,
		CleanSession:    true,
		ClientID:        clientID,
	}
	if err := connect.Pack(conn); err != nil {
		t.Fatalf("failed to send CONNECT: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := v3.ReadPacket(conn)
	if err != nil {
		t.Fatalf("failed to read CONNACK: %v", err)
	}
	if pkt.Type() != v3.ConnAckType {
		t.Fatalf("expected CONNACK, got %v", pkt.Type())
	}
}

func TestTLSBasicConnection(t *testing.T) {
	certs := generateTestCerts(t)
	addr, stop := startServer(t, serverTLSConfig(t, certs, tls.NoClientCert))
	defer stop()

	conn, err := tls.Dial("tcp", addr, clientTLSConfig(t, certs, false))
	if err != nil {
		t.Fatalf("failed to connect with TLS: %v", err)
	}
	defer conn.Close()

	if err := conn.Handshake(); err != nil {
		t.Fatalf("TLS handshake failed: %v", err)
	}

	mqttHandshake(t, conn, "tls-test-client")

	v3.NewControlPacket(v3.DisconnectType).Pack(conn)
	conn.Close()
}

func TestTLSRequireClientCert(t *testing.T) {
	certs := generateTestCerts(t)
	addr, stop := startServer(t, serverTLSConfig(t, certs, tls.RequireAndVerifyClientCert))
	defer stop()

	t.Run("NoClientCert", func(t *testing.T) {
		conn, err := tls.Dial("tcp", addr, clientTLSConfig(t, certs, false))
		if err != nil {
			// Rejected during the dial's handshake.
			return
		}
		defer conn.Close()

		// TLS 1.3 reports the missing certificate on the first read.
		conn.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := conn.Read(make([]byte, 1)); err == nil {
			t.Fatal("expected connection without client certificate to fail")
		}
	})

	t.Run("WithClientCert", func(t *testing.T) {
		conn, err := tls.Dial("tcp", addr, clientTLSConfig(t, certs, true))
		if err != nil {
			t.Fatalf("failed to connect with client cert: %v", err)
		}
		defer conn.Close()

		if err := conn.Handshake(); err != nil {
			t.Fatalf("TLS handshake failed: %v", err)
		}
		mqttHandshake(t, conn, "mtls-test-client")
	})
}

func TestTLSUntrustedCA(t *testing.T) {
	certs := generateTestCerts(t)
	addr, stop := startServer(t, serverTLSConfig(t, certs, tls.NoClientCert))
	defer stop()

	// Client does not trust the test CA.
	conn, err := tls.Dial("tcp", addr, &tls.Config{})
	if err == nil {
		conn.Close()
		t.Fatal("expected connection to fail with unverified certificate")
	}
}

func TestTLSMinVersion(t *testing.T) {
	certs := generateTestCerts(t)
	addr, stop := startServer(t, serverTLSConfig(t, certs, tls.NoClientCert))
	defer stop()

	oldCfg := clientTLSConfig(t, certs, false)
	oldCfg.MinVersion = tls.VersionTLS10
	oldCfg.MaxVersion = tls.VersionTLS11
	if conn, err := tls.Dial("tcp", addr, oldCfg); err == nil {
		conn.Close()
		t.Fatal("expected TLS 1.1 connection to be rejected")
	}

	newCfg := clientTLSConfig(t, certs, false)
	newCfg.MinVersion = tls.VersionTLS12
	conn, err := tls.Dial("tcp", addr, newCfg)
	if err != nil {
		t.Fatalf("failed to connect with TLS 1.2+: %v", err)
	}
	conn.Close()
}

func TestPlaintextConnection(t *testing.T) {
	addr, stop := startServer(t, nil)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	mqttHandshake(t, conn, "plain-test-client")

	v3.NewControlPacket(v3.DisconnectType).Pack(conn)
	conn.Close()
}
