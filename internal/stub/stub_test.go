package stub

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func chatBody(t *testing.T, content string) []byte {
	t.Helper()
	b, err := json.Marshal(ChatRequest{Model: "m", Messages: []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: content},
	}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func post(t *testing.T, h http.Handler, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	h.ServeHTTP(rr, req)
	return rr
}

func TestHeartbeat(t *testing.T) {
	srv := &Server{Version: "test"}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil))
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	var resp HeartbeatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Version != "test" {
		t.Fatalf("version mismatch")
	}
}

func TestChatEcho(t *testing.T) {
	srv := &Server{Version: "test", Upper: true}
	rr := post(t, srv.Handler(), chatBody(t, "hello"), nil)
	if rr.Code != 200 {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	var resp ChatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "HELLO" {
		t.Fatalf("unexpected reply %+v", resp.Choices)
	}
	if resp.Model != "m" {
		t.Fatalf("model = %q", resp.Model)
	}
	if srv.Requests() != 1 {
		t.Fatalf("requests = %d", srv.Requests())
	}
}

func TestChatFailFirst(t *testing.T) {
	srv := &Server{FailFirst: 2, FailStatus: http.StatusInternalServerError}
	h := srv.Handler()
	for i, want := range []int{500, 500, 200} {
		if rr := post(t, h, chatBody(t, "x"), nil); rr.Code != want {
			t.Fatalf("request %d: status %d, want %d", i, rr.Code, want)
		}
	}
	if srv.Injected() != 2 {
		t.Fatalf("injected = %d", srv.Injected())
	}
}

func TestChatDrop(t *testing.T) {
	srv := &Server{FailFirst: 1, FailMode: FailDrop}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", bytes.NewReader(chatBody(t, "x")))
	if err == nil {
		resp.Body.Close()
		t.Fatalf("expected transport error, got status %d", resp.StatusCode)
	}
	resp, err = http.Post(ts.URL+"/v1/chat/completions", "application/json", bytes.NewReader(chatBody(t, "x")))
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestChatToken(t *testing.T) {
	srv := &Server{Token: "s3cret"}
	h := srv.Handler()
	if rr := post(t, h, chatBody(t, "x"), nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rr.Code)
	}
	hdr := http.Header{"Authorization": []string{"Bearer s3cret"}}
	if rr := post(t, h, chatBody(t, "x"), hdr); rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestChatBadRequest(t *testing.T) {
	srv := &Server{}
	if rr := post(t, srv.Handler(), []byte("{"), nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &Server{}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + ln.Addr().String() + "/v0/heartbeat")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-done; err != http.ErrServerClosed {
		t.Fatalf("serve returned %v", err)
	}
}

func TestShutdownNotRunning(t *testing.T) {
	if err := (&Server{}).Shutdown(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestConfigureTLSRequiresCert(t *testing.T) {
	if _, err := ConfigureTLS(TLSConfig{}); err == nil {
		t.Fatalf("expected error without cert")
	}
	if (TLSConfig{}).Enabled() {
		t.Fatalf("empty config should be disabled")
	}
}

func TestClientCertMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("X-Client-Subject")))
	})

	rr := httptest.NewRecorder()
	ClientCertMiddleware(true)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	ClientCertMiddleware(false)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{{
		Subject:      pkix.Name{CommonName: "worker-1"},
		SerialNumber: big.NewInt(7),
	}}}
	rr = httptest.NewRecorder()
	ClientCertMiddleware(true)(ok).ServeHTTP(rr, req)
	if rr.Code != 200 || rr.Body.String() != "CN=worker-1" {
		t.Fatalf("status %d body %q", rr.Code, rr.Body.String())
	}
}
