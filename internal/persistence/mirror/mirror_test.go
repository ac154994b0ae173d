package mirror

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestClient_PutFileSigned(t *testing.T) {
	var (
		mu   sync.Mutex
		got  *http.Request
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got, body = r, string(b)
		mu.Unlock()
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{Endpoint: srv.URL, Bucket: "saves", AccessKey: "AK", SecretKey: "SK"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.now = func() time.Time { return time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC) }

	p := filepath.Join(t.TempDir(), "70.sav.zst")
	if err := os.WriteFile(p, []byte("save"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.PutFile(context.Background(), "sessions/s 1/saves/70.sav.zst", p); err != nil {
		t.Fatalf("PutFile: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Method != http.MethodPut || got.URL.Path != "/saves/sessions/s 1/saves/70.sav.zst" {
		t.Fatalf("request %s %s", got.Method, got.URL.Path)
	}
	if body != "save" {
		t.Fatalf("body %q", body)
	}
	auth := got.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AK/20240309/auto/s3/aws4_request") {
		t.Fatalf("authorization %q", auth)
	}
	if got.Header.Get("x-amz-date") != "20240309T120000Z" {
		t.Fatalf("x-amz-date %q", got.Header.Get("x-amz-date"))
	}
}

func TestClient_RequiresConfig(t *testing.T) {
	if _, err := NewClient(ClientConfig{Endpoint: "r2.example", Bucket: "b"}); err == nil {
		t.Fatalf("expected error without credentials")
	}
}

type fakeUploader struct {
	mu    sync.Mutex
	keys  []string
	fails int
}

func (f *fakeUploader) PutFile(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("unavailable")
	}
	f.keys = append(f.keys, key)
	return nil
}

func TestMirror_UploadsRelativeKeysWithRetry(t *testing.T) {
	dataDir := t.TempDir()
	p := filepath.Join(dataDir, "sessions", "s1", "saves", "35.sav.zst")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	up := &fakeUploader{fails: 2}
	m := New(up, dataDir, Options{Prefix: "/ticksync/"}, nil)
	m.backoff = time.Millisecond
	m.Enqueue(p)
	m.Enqueue(filepath.Join(t.TempDir(), "elsewhere.sav.zst"))
	m.Close()

	if len(up.keys) != 1 || up.keys[0] != "ticksync/sessions/s1/saves/35.sav.zst" {
		t.Fatalf("keys %v", up.keys)
	}
	st := m.Stats()
	if st.Uploaded != 1 || st.Failed != 1 {
		t.Fatalf("stats %+v", st)
	}
}

func TestMirror_NilIsNoop(t *testing.T) {
	var m *Mirror
	m.Enqueue("x")
	m.Close()
	if m.Stats() != (Stats{}) {
		t.Fatalf("nil mirror has stats")
	}
}
