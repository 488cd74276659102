package lan

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/geobeacon/internal/channel"
	"nuha.dev/geobeacon/internal/fingerprint"
	"nuha.dev/geobeacon/internal/model"
)

func quietLogger() log.Logger {
	return log.Logger{Level: log.PanicLevel}
}

func serverInfo(t *testing.T, ts *httptest.Server, pin string) model.ServerInfo {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return model.ServerInfo{Host: host, Port: port, Fingerprint: pin}
}

func newTestChannel(t *testing.T, handler http.Handler, pin func(raw []byte) string) (*Channel, *httptest.Server) {
	t.Helper()
	ts := httptest.NewTLSServer(handler)
	t.Cleanup(ts.Close)
	fp := ""
	if pin != nil {
		fp = pin(ts.Certificate().Raw)
	}
	c := New(Config{
		Server:       serverInfo(t, ts, fp),
		PollInterval: 10 * time.Millisecond,
		HTTPTimeout:  2 * time.Second,
	}, quietLogger())
	t.Cleanup(c.Disconnect)
	return c, ts
}

func okStatus() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/request", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func TestConnectSuccessEmptyFingerprint(t *testing.T) {
	c, _ := newTestChannel(t, okStatus(), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.State().Status; got != channel.Connected {
		t.Errorf("state: got %v, want connected", got)
	}
	c.Disconnect()
	if got := c.State().Status; got != channel.Disconnected {
		t.Errorf("state after disconnect: got %v, want disconnected", got)
	}
}

func TestConnectPinnedFingerprint(t *testing.T) {
	c, _ := newTestChannel(t, okStatus(), fingerprint.Digest)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect with matching pin: %v", err)
	}
}

func TestConnectFingerprintMismatch(t *testing.T) {
	c, _ := newTestChannel(t, okStatus(), func([]byte) string { return "deadbeef" })
	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect must fail on fingerprint mismatch")
	}
	if !errors.Is(err, channel.ErrCertMismatch) {
		t.Errorf("error: got %v, want ErrCertMismatch", err)
	}
	if got := c.State().Status; got != channel.Errored {
		t.Errorf("state: got %v, want error", got)
	}
}

func TestConnectNonSuccessStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c, _ := newTestChannel(t, mux, nil)
	err := c.Connect(context.Background())
	if !errors.Is(err, channel.ErrConnectFailed) {
		t.Errorf("error: got %v, want ErrConnectFailed", err)
	}
	if got := c.State().Status; got != channel.Errored {
		t.Errorf("state: got %v, want error", got)
	}
}

func TestPollTriggersLocationRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/request", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Location REQUEST pending"))
	})
	c, _ := newTestChannel(t, mux, nil)
	got := make(chan struct{}, 1)
	c.OnLocationRequest(func() {
		select {
		case got <- struct{}{}:
		default:
		}
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("request callback was never invoked")
	}
}

func TestDisconnectStopsPolling(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/request", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("request"))
	})
	c, _ := newTestChannel(t, mux, nil)
	var calls uint64
	c.OnLocationRequest(func() { atomic.AddUint64(&calls, 1) })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Disconnect()
	// Let any poll that raced the disconnect drain before sampling.
	time.Sleep(20 * time.Millisecond)
	settled := atomic.LoadUint64(&calls)
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadUint64(&calls); got != settled {
		t.Errorf("callback fired %d times after disconnect", got-settled)
	}
	if got := c.State().Status; got != channel.Disconnected {
		t.Errorf("state: got %v, want disconnected", got)
	}
}

func TestPollFailuresAreSwallowed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/request", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c, _ := newTestChannel(t, mux, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.PollFailures() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.PollFailures() == 0 {
		t.Fatal("poll failures were not counted")
	}
	if got := c.State().Status; got != channel.Connected {
		t.Errorf("poll failure flipped state to %v", got)
	}
}

func TestSendRequiresConnected(t *testing.T) {
	c, _ := newTestChannel(t, okStatus(), nil)
	err := c.Send(context.Background(), &model.LocationPayload{})
	if !errors.Is(err, channel.ErrNotConnected) {
		t.Errorf("error: got %v, want ErrNotConnected", err)
	}
}

func TestSendPostsPayload(t *testing.T) {
	received := make(chan model.LocationPayload, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/request", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		var p model.LocationPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- p
	})
	c, _ := newTestChannel(t, mux, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	p := &model.LocationPayload{
		Time:     time.Now().UTC(),
		Position: model.NewPosition(-6.2, 106.8, 12, 40, 5, 270, 3.5, "gps"),
	}
	if err := c.Send(context.Background(), p); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-received:
		if got.Position.Latitude != p.Position.Latitude || got.Position.Heading != 270 {
			t.Errorf("payload mismatch: got %+v", got.Position)
		}
	case <-time.After(time.Second):
		t.Fatal("submit endpoint never saw the payload")
	}
}

func TestSendRejectedStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/request", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	c, _ := newTestChannel(t, mux, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := c.Send(context.Background(), &model.LocationPayload{})
	if !errors.Is(err, channel.ErrSendFailed) {
		t.Errorf("error: got %v, want ErrSendFailed", err)
	}
}

func TestDisconnectDuringConnect(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var polls int64
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/request", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&polls, 1)
		w.WriteHeader(http.StatusOK)
	})
	c, _ := newTestChannel(t, mux, nil)
	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	<-entered
	c.Disconnect()
	close(release)
	if err := <-done; !errors.Is(err, channel.ErrConnectFailed) {
		t.Fatalf("connect: got %v, want ErrConnectFailed", err)
	}
	if got := c.State().Status; got != channel.Disconnected {
		t.Errorf("state: got %v, want disconnected", got)
	}
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt64(&polls); n != 0 {
		t.Errorf("poll loop ran %d times after a won disconnect", n)
	}
}

func TestConcurrentConnectRejected(t *testing.T) {
	block := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		<-block
	})
	c, _ := newTestChannel(t, mux, nil)
	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	if err := c.Connect(context.Background()); !errors.Is(err, channel.ErrConnectBusy) {
		t.Errorf("second connect: got %v, want ErrConnectBusy", err)
	}
	close(block)
	<-done
}
