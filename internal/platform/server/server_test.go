package server_test

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"drainsrv/internal/platform/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testHandler(hook func()) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /foo", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("foo"))
	})
	mux.HandleFunc("GET /delay", func(w http.ResponseWriter, r *http.Request) {
		if hook != nil {
			hook()
		}
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte("delay"))
	})
	return mux
}

func startServer(t *testing.T, opts server.Options) (*server.Server, string) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Listen == nil {
		opts.Listen = &server.ListenTarget{Host: "127.0.0.1"}
	}
	srv := server.New(opts)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, srv.Addr().String()
}

func stop(t *testing.T, srv *server.Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func get(t *testing.T, client *http.Client, url string) (string, error) {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

func TestServerAcceptsRequests(t *testing.T) {
	srv, addr := startServer(t, server.Options{Handler: testHandler(nil)})

	body, err := get(t, http.DefaultClient, "http://"+addr+"/foo")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if body != "foo" {
		t.Errorf("expected body 'foo', got %q", body)
	}

	stop(t, srv)
}

func TestStartBindConflict(t *testing.T) {
	first, addr := startServer(t, server.Options{Handler: testHandler(nil)})
	port := first.Addr().(*net.TCPAddr).Port

	second := server.New(server.Options{
		Logger:  discardLogger(),
		Handler: testHandler(nil),
		Listen:  &server.ListenTarget{Host: "127.0.0.1", Port: port},
	})

	err := second.Start(context.Background())
	if err == nil {
		t.Fatal("expected bind error for occupied port")
	}
	var bindErr *server.BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected *BindError, got %T: %v", err, err)
	}
	if bindErr.Target.Port != port {
		t.Errorf("expected target port %d, got %d", port, bindErr.Target.Port)
	}
	if second.Listening() {
		t.Error("failed server should not report listening")
	}
	if err := second.Start(context.Background()); !errors.Is(err, server.ErrServerStopped) {
		t.Errorf("expected ErrServerStopped on retry, got %v", err)
	}

	if !first.Listening() {
		t.Error("first server should still be listening")
	}
	body, err := get(t, http.DefaultClient, "http://"+addr+"/foo")
	if err != nil || body != "foo" {
		t.Errorf("first server should be unaffected, got %q, %v", body, err)
	}

	stop(t, first)
}

func TestStopWithoutConnections(t *testing.T) {
	srv, addr := startServer(t, server.Options{Handler: testHandler(nil)})

	start := time.Now()
	stop(t, srv)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("stop with no connections took %v", elapsed)
	}

	if srv.Listening() {
		t.Error("expected server not to be listening after stop")
	}
	if conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond); err == nil {
		conn.Close()
		t.Error("expected connection to a stopped server to fail")
	}
}

func TestStopWaitsForActiveKeepAliveRequest(t *testing.T) {
	var once sync.Once
	hooked := make(chan struct{})
	srv, addr := startServer(t, server.Options{
		Handler: testHandler(func() { once.Do(func() { close(hooked) }) }),
	})

	transport := &http.Transport{}
	t.Cleanup(transport.CloseIdleConnections)
	client := &http.Client{Transport: transport}

	type result struct {
		body string
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		body, err := get(t, client, "http://"+addr+"/delay")
		resCh <- result{body, err}
	}()

	<-hooked

	stopped := make(chan error, 1)
	go func() {
		stopped <- srv.Stop(context.Background())
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a request was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("in-flight request failed: %v", res.err)
		}
		if res.body != "delay" {
			t.Errorf("expected body 'delay', got %q", res.body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request did not complete")
	}

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after the request finished")
	}

	if srv.Listening() {
		t.Error("expected server not to be listening after stop")
	}
}

func TestStopDestroysIdleKeepAliveConnection(t *testing.T) {
	srv, addr := startServer(t, server.Options{Handler: testHandler(nil)})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "GET /foo HTTP/1.1\r\nHost: %s\r\n\r\n", addr)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	io.ReadAll(resp.Body)
	resp.Body.Close()

	waitFor(t, func() bool { return srv.Connections().Idle == 1 })

	// The server's idle timeout is two minutes; stop must not wait for it.
	stop(t, srv)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = br.ReadByte()
	if err == nil {
		t.Fatal("expected idle connection to be closed by the server")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatal("idle connection was left open")
	}
}

func TestResponsesWhileDrainingCloseConnection(t *testing.T) {
	var once sync.Once
	hooked := make(chan struct{})
	srv, addr := startServer(t, server.Options{
		Handler: testHandler(func() { once.Do(func() { close(hooked) }) }),
	})

	transport := &http.Transport{}
	t.Cleanup(transport.CloseIdleConnections)
	client := &http.Client{Transport: transport}

	respCh := make(chan *http.Response, 1)
	go func() {
		resp, err := client.Get("http://" + addr + "/delay")
		if err != nil {
			respCh <- nil
			return
		}
		io.ReadAll(resp.Body)
		resp.Body.Close()
		respCh <- resp
	}()

	<-hooked
	go srv.Stop(context.Background())
	waitFor(t, srv.Draining)

	resp := <-respCh
	if resp == nil {
		t.Fatal("in-flight request failed")
	}
	if !resp.Close {
		t.Error("expected response written during drain to close the connection")
	}

	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not finish stopping")
	}
}

func TestStopHonoursContext(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /block", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.Write([]byte("done"))
	})
	srv, addr := startServer(t, server.Options{Handler: mux})

	errCh := make(chan error, 1)
	go func() {
		_, err := get(t, http.DefaultClient, "http://"+addr+"/block")
		errCh <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := srv.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Errorf("blocked request failed: %v", err)
	}
	stop(t, srv)
}

func TestCloseForcesActiveConnections(t *testing.T) {
	entered := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /hang", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-r.Context().Done()
	})
	srv, addr := startServer(t, server.Options{Handler: mux})

	errCh := make(chan error, 1)
	go func() {
		_, err := get(t, http.DefaultClient, "http://"+addr+"/hang")
		errCh <- err
	}()
	<-entered

	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected forced-closed request to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request not aborted by close")
	}

	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not finish after close")
	}
}

func TestStartTwice(t *testing.T) {
	srv, _ := startServer(t, server.Options{})

	if err := srv.Start(context.Background()); !errors.Is(err, server.ErrServerStarted) {
		t.Errorf("expected ErrServerStarted, got %v", err)
	}
	stop(t, srv)
	if err := srv.Start(context.Background()); !errors.Is(err, server.ErrServerStopped) {
		t.Errorf("expected ErrServerStopped, got %v", err)
	}
}

func TestStopBeforeStart(t *testing.T) {
	srv := server.New(server.Options{Logger: discardLogger()})
	stop(t, srv)
	if srv.Addr() != nil {
		t.Error("expected no address for a server that never started")
	}
}

func TestLifecycleEventsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	srv, _ := startServer(t, server.Options{Tag: "api", Logger: logger})
	port := srv.Addr().(*net.TCPAddr).Port
	stop(t, srv)

	var entries []map[string]any
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var e map[string]any
		if err := dec.Decode(&e); err != nil {
			t.Fatalf("parsing log output: %v", err)
		}
		entries = append(entries, e)
	}

	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d: %v", len(entries), entries)
	}
	listening, closed := entries[0], entries[1]

	if listening["msg"] != "listening" {
		t.Errorf("expected 'listening', got %v", listening["msg"])
	}
	if listening["tag"] != "api" {
		t.Errorf("expected tag 'api', got %v", listening["tag"])
	}
	if listening["host"] != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1, got %v", listening["host"])
	}
	if p, ok := listening["port"].(float64); !ok || int(p) != port {
		t.Errorf("expected port %d, got %v", port, listening["port"])
	}
	if closed["msg"] != "closed" {
		t.Errorf("expected 'closed', got %v", closed["msg"])
	}
}

func TestDefaultTag(t *testing.T) {
	srv := server.New(server.Options{Logger: discardLogger()})
	if srv.Tag() != server.DefaultTag {
		t.Errorf("expected tag %q, got %q", server.DefaultTag, srv.Tag())
	}
}

func TestUnixSocketTarget(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets not supported")
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	path := filepath.Join(t.TempDir(), "drain.sock")
	srv, _ := startServer(t, server.Options{
		Logger:  logger,
		Handler: testHandler(nil),
		Listen:  &server.ListenTarget{Path: path},
	})

	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
	t.Cleanup(transport.CloseIdleConnections)
	client := &http.Client{Transport: transport}

	body, err := get(t, client, "http://unix/foo")
	if err != nil || body != "foo" {
		t.Fatalf("expected 'foo', got %q, %v", body, err)
	}

	stop(t, srv)

	var listening map[string]any
	if err := json.NewDecoder(&buf).Decode(&listening); err != nil {
		t.Fatalf("parsing log output: %v", err)
	}
	if listening["path"] != path {
		t.Errorf("expected path %q, got %v", path, listening["path"])
	}

	if _, err := net.Dial("unix", path); err == nil {
		t.Error("expected dial to a stopped unix server to fail")
	}
}

func TestOnErrorNotCalledOnStop(t *testing.T) {
	called := make(chan error, 1)
	srv, _ := startServer(t, server.Options{
		OnError: func(err error) { called <- err },
	})

	stop(t, srv)

	select {
	case err := <-called:
		t.Errorf("OnError called during normal stop: %v", err)
	default:
	}
}

func TestBaseServerConnStateChained(t *testing.T) {
	var mu sync.Mutex
	var states []http.ConnState
	base := &http.Server{
		ReadHeaderTimeout: time.Second,
		ConnState: func(c net.Conn, st http.ConnState) {
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		},
	}
	srv, addr := startServer(t, server.Options{Base: base, Handler: testHandler(nil)})

	if _, err := get(t, http.DefaultClient, "http://"+addr+"/foo"); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	stop(t, srv)

	mu.Lock()
	defer mu.Unlock()
	if len(states) == 0 || states[0] != http.StateNew {
		t.Errorf("expected chained hook to observe StateNew first, got %v", states)
	}
}

func TestTLSListener(t *testing.T) {
	certSrc := httptest.NewTLSServer(http.NotFoundHandler())
	defer certSrc.Close()

	tlsConfig := &tls.Config{Certificates: certSrc.TLS.Certificates}
	srv, addr := startServer(t, server.Options{
		Handler: testHandler(nil),
		Base:    &http.Server{TLSConfig: tlsConfig},
	})

	pool := x509.NewCertPool()
	pool.AddCert(certSrc.Certificate())
	transport := &http.Transport{TLSClientConfig: &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{"http/1.1"},
	}}
	t.Cleanup(transport.CloseIdleConnections)

	resp, err := (&http.Client{Transport: transport}).Get("https://" + addr + "/foo")
	if err != nil {
		t.Fatalf("request over TLS: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "foo" {
		t.Errorf("expected 'foo', got %q", body)
	}
	if resp.TLS == nil || resp.TLS.NegotiatedProtocol != "http/1.1" {
		t.Errorf("expected ALPN to settle on http/1.1, got %+v", resp.TLS)
	}
	if srv.Connections().Open != 1 {
		t.Errorf("expected the TLS keep-alive connection to be tracked, got %+v", srv.Connections())
	}

	stop(t, srv)
	if srv.Connections().Open != 0 {
		t.Errorf("expected no tracked connections after stop, got %+v", srv.Connections())
	}
	if tlsConfig.NextProtos != nil {
		t.Errorf("caller's TLS config was modified: NextProtos=%v", tlsConfig.NextProtos)
	}
}

func TestHandlerCanHijack(t *testing.T) {
	type hijacked struct {
		conn       net.Conn
		readerFrom bool
	}
	hijackedCh := make(chan hijacked, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /upgrade", func(w http.ResponseWriter, r *http.Request) {
		_, rf := w.(io.ReaderFrom)
		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, fmt.Sprintf("%T is not a Hijacker", w), http.StatusInternalServerError)
			return
		}
		conn, rw, err := hj.Hijack()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		rw.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: echo\r\nConnection: Upgrade\r\n\r\n")
		rw.Flush()
		hijackedCh <- hijacked{conn: conn, readerFrom: rf}
	})
	srv, addr := startServer(t, server.Options{Handler: mux})

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	fmt.Fprintf(client, "GET /upgrade HTTP/1.1\r\nHost: %s\r\n\r\n", addr)

	br := bufio.NewReader(client)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("reading upgrade response: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 101, got %d: %s", resp.StatusCode, body)
	}

	var h hijacked
	select {
	case h = <-hijackedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never hijacked the connection")
	}
	t.Cleanup(func() { h.conn.Close() })
	if !h.readerFrom {
		t.Error("expected the response writer to implement io.ReaderFrom")
	}

	waitFor(t, func() bool { return srv.Connections().Open == 0 })

	// The hijacked connection is the handler's: Stop neither waits for it nor
	// closes it.
	stop(t, srv)

	if _, err := h.conn.Write([]byte("ping")); err != nil {
		t.Fatalf("writing on hijacked connection after stop: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(br, buf); err != nil || string(buf) != "ping" {
		t.Errorf("expected 'ping' after stop, got %q, %v", buf, err)
	}
}
