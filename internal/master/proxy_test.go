package master

import (
	"net"
	"testing"
	"time"
)

func TestParseProxyLineRunning(t *testing.T) {
	ev, err := parseProxyLine("RUNNING")
	if err != nil {
		t.Fatalf("parseProxyLine: %v", err)
	}
	if ev.kind != eventRunning {
		t.Errorf("kind = %v, want eventRunning", ev.kind)
	}
}

func TestParseProxyLineWorkerStarted(t *testing.T) {
	ev, err := parseProxyLine("+4242,web.0")
	if err != nil {
		t.Fatalf("parseProxyLine: %v", err)
	}
	if ev.kind != eventWorkerStarted || ev.pid != 4242 || ev.queueKey != "web.0" {
		t.Errorf("got %+v", ev)
	}
}

func TestParseProxyLineWorkerFinished(t *testing.T) {
	ev, err := parseProxyLine("-4242")
	if err != nil {
		t.Fatalf("parseProxyLine: %v", err)
	}
	if ev.kind != eventWorkerFinished || ev.pid != 4242 {
		t.Errorf("got %+v", ev)
	}
}

func TestParseProxyLineMalformedErrors(t *testing.T) {
	if _, err := parseProxyLine("garbage"); err == nil {
		t.Fatal("expected error for unrecognized line")
	}
	if _, err := parseProxyLine("+notapid,web.0"); err == nil {
		t.Fatal("expected error for malformed pid")
	}
}

func TestDrainAppliesEventsAndReturnsNoEOFWhenIdle(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	p := newListenerProxy(1, 100, server)

	events, eof := p.Drain()
	if eof {
		t.Fatal("expected no eof when nothing written")
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %+v", events)
	}
}

func TestDrainTracksRunningWorkers(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	go func() {
		client.Write([]byte("RUNNING\n+500,web.0\n"))
	}()

	p := newListenerProxy(1, 100, server)

	var events []proxyEvent
	deadline := time.Now().Add(2 * time.Second)
	for len(events) < 2 && time.Now().Before(deadline) {
		evs, _ := p.Drain()
		events = append(events, evs...)
	}

	if !p.Ready() {
		t.Error("expected proxy to be marked ready after RUNNING")
	}
	if len(p.runningWorkers) != 1 || p.runningWorkers[500] != "web.0" {
		t.Errorf("runningWorkers = %+v", p.runningWorkers)
	}

	client.Close()
}

func TestDrainReportsEOFOnClose(t *testing.T) {
	server, client := net.Pipe()
	client.Close()

	p := newListenerProxy(1, 100, server)
	_, eof := p.Drain()
	if !eof {
		t.Fatal("expected eof after peer closed")
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	p := newListenerProxy(1, 100, server)
	p.Dispose()
	p.Dispose() // must not panic
}
