package prompts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestResolve_Order(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("  from url \n"))
	}))
	defer srv.Close()

	file := filepath.Join(t.TempDir(), "prompt.txt")
	if err := os.WriteFile(file, []byte("from file"), 0o644); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name     string
		r        Resolver
		want     string
		wantFrom Source
	}{
		{"inline wins", Resolver{Inline: "inline", URL: srv.URL, File: file}, "inline", SourceInline},
		{"url next", Resolver{URL: srv.URL, File: file}, "from url", SourceURL},
		{"file next", Resolver{File: file}, "from file", SourceFile},
		{"default", Resolver{}, DefaultSystem, SourceDefault},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, from := tc.r.Resolve(context.Background())
			if got != tc.want || from != tc.wantFrom {
				t.Fatalf("Resolve = %q (%s), want %q (%s)", got, from, tc.want, tc.wantFrom)
			}
		})
	}
}

func TestResolve_FailingSourcesFallThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	file := filepath.Join(t.TempDir(), "prompt.txt")
	os.WriteFile(file, []byte("fallback file"), 0o644)

	got, from := Resolver{URL: srv.URL, File: file}.Resolve(context.Background())
	if got != "fallback file" || from != SourceFile {
		t.Fatalf("Resolve = %q (%s)", got, from)
	}

	got, from = Resolver{File: filepath.Join(t.TempDir(), "missing.txt")}.Resolve(context.Background())
	if got != DefaultSystem || from != SourceDefault {
		t.Fatalf("Resolve = %q (%s)", got, from)
	}
}
