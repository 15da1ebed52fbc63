package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestValidateEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantPort int
		wantErr  bool
	}{
		{"https既定ポート", "https://ocr.example.com/v1/read", 443, false},
		{"http既定ポート", "http://ocr.example.com/read", 80, false},
		{"明示ポート", "https://ocr.example.com:8443/read", 8443, false},
		{"空", "", 0, true},
		{"不正なURL", "://bad", 0, true},
		{"ftp", "ftp://ocr.example.com/read", 0, true},
		{"ホストなし", "https:///read", 0, true},
		{"localhost", "http://localhost:9000/read", 0, true},
		{"LOCALHOST", "http://LOCALHOST/read", 0, true},
		{"ループバック", "http://127.0.0.1/read", 0, true},
		{"プライベート10", "http://10.1.2.3/read", 0, true},
		{"プライベート172", "http://172.16.0.5/read", 0, true},
		{"プライベート192", "http://192.168.1.1/read", 0, true},
		{"メタデータIP", "http://169.254.169.254/latest/meta-data", 0, true},
		{"ゼロアドレス", "http://0.0.0.0/read", 0, true},
		{"IPv6ループバック", "http://[::1]/read", 0, true},
		{"IPv4射影IPv6", "http://[::ffff:127.0.0.1]/read", 0, true},
		{"公開IP", "https://8.8.8.8/read", 443, false},
		{"不正なポート", "https://ocr.example.com:99999/read", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port, err := ValidateEndpoint(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateEndpoint(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			if port != tt.wantPort {
				t.Errorf("port = %d, want %d", port, tt.wantPort)
			}
		})
	}
}

func TestNewEndpointClient(t *testing.T) {
	client, err := NewEndpointClient("https://ocr.example.com/v1/read", 5*time.Second)
	if err != nil {
		t.Fatalf("NewEndpointClient() error = %v", err)
	}
	if client.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", client.Timeout)
	}
	// safeurlはDialerのControlフックで接続先を検証する
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Errorf("expected custom Transport, got %v", client.Transport)
	}
}

func TestNewEndpointClient_RejectsBlockedEndpoint(t *testing.T) {
	if _, err := NewEndpointClient("http://169.254.169.254/", time.Second); err == nil {
		t.Fatal("expected error for metadata endpoint")
	}
}

// httptestサーバーは127.0.0.1で起動するため、DNS解決後の検証で拒否される。
func TestNewEndpointClient_BlocksLoopbackAtDial(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client, err := NewEndpointClient("https://ocr.example.com/read", 5*time.Second)
	if err != nil {
		t.Fatalf("NewEndpointClient() error = %v", err)
	}
	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("expected error for loopback address request, got nil")
	}
}
