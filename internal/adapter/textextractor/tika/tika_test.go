package tika

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestExtractTextReturnsSanitizedPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/tika" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Accept") != "text/plain" {
			t.Errorf("expected Accept: text/plain, got %q", r.Header.Get("Accept"))
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("  hello   world  \n\n from tika  "))
	}))
	defer srv.Close()

	c := New(srv.URL)
	text, err := c.ExtractText(context.Background(), []byte("pdf bytes"), "script.pdf")
	if err != nil {
		t.Fatalf("ExtractText() error = %v", err)
	}
	if text != "hello world from tika" {
		t.Fatalf("ExtractText() = %q, want %q", text, "hello world from tika")
	}
}

func TestExtractTextSetsContentTypeFromExtension(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("text"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.ExtractText(context.Background(), []byte("x"), "doc.docx"); err != nil {
		t.Fatalf("ExtractText() error = %v", err)
	}
	if gotContentType != "application/vnd.openxmlformats-officedocument.wordprocessingml.document" {
		t.Fatalf("unexpected Content-Type: %q", gotContentType)
	}
}

func TestExtractTextNonSuccessStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnsupportedMediaType)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.ExtractText(context.Background(), []byte("x"), "file.bin"); err == nil {
		t.Fatal("expected an error for a non-2xx Tika response")
	}
}

func TestExtractPathReadsFileAndExtracts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("extracted from file"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "upload.pdf")
	if err := os.WriteFile(path, []byte("pdf contents"), 0o600); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	t.Setenv("TIKA_ALLOW_ABSPATHS", "1")
	c := New(srv.URL)
	text, err := c.ExtractPath(context.Background(), "upload.pdf", path)
	if err != nil {
		t.Fatalf("ExtractPath() error = %v", err)
	}
	if text != "extracted from file" {
		t.Fatalf("ExtractPath() = %q, want %q", text, "extracted from file")
	}
}

func TestContentTypeFromExt(t *testing.T) {
	cases := map[string]string{
		".pdf":  "application/pdf",
		".txt":  "text/plain",
		".xyz":  "",
		"":      "",
	}
	for ext, want := range cases {
		if got := contentTypeFromExt(ext); got != want {
			t.Fatalf("contentTypeFromExt(%q) = %q, want %q", ext, got, want)
		}
	}
}
