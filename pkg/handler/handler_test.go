package handler

import (
	"bufio"
	"net"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/relaymesh/goproxy/pkg/config"
	"github.com/relaymesh/goproxy/pkg/events"
	"github.com/relaymesh/goproxy/pkg/metrics"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.PanicLevel)
	return l
}

func startEchoUpstream(t *testing.T, response string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		defer ln.Close()
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		_, _ = c.Write([]byte(response))
	}()
	return ln.Addr().String()
}

func TestHandlerForwardsRequestAndStreamsResponse(t *testing.T) {
	upstream := startEchoUpstream(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")

	clientSide, driverSide := net.Pipe()
	defer driverSide.Close()

	deps := Deps{
		Config: &config.Config{
			ClientRecvBufSize: 65536,
			ServerRecvBufSize: 65536,
			Timeout:           500 * time.Millisecond,
		},
		Events:  events.New(false),
		Metrics: metrics.New(),
		Logger:  testLogger(),
	}

	h := New(uuid.New(), clientSide, deps)
	go h.Run()

	req := "GET http://" + upstream + "/ HTTP/1.1\r\nHost: " + upstream + "\r\n\r\n"
	if _, err := driverSide.Write([]byte(req)); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	driverSide.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 512)
	n, err := driverSide.Read(buf)
	if err != nil {
		t.Fatalf("reading proxied response: %v", err)
	}
	got := string(buf[:n])
	if got != "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok" {
		t.Fatalf("unexpected proxied response: %q", got)
	}
}

func TestHandlerTearsDownOnIdleTimeout(t *testing.T) {
	clientSide, driverSide := net.Pipe()
	defer driverSide.Close()

	deps := Deps{
		Config: &config.Config{
			ClientRecvBufSize: 65536,
			ServerRecvBufSize: 65536,
			Timeout:           100 * time.Millisecond,
		},
		Events:  events.New(false),
		Metrics: metrics.New(),
		Logger:  testLogger(),
	}

	h := New(uuid.New(), clientSide, deps)
	runDone := make(chan struct{})
	go func() {
		h.Run()
		close(runDone)
	}()

	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not tear down an idle connection in time")
	}
}
