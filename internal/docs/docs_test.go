package docs

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/lucasnoah/scenefactory/internal/prompt"
)

func TestStaticTips(t *testing.T) {
	tips, err := StaticTips(prompt.Loader{})
	if err != nil {
		t.Fatalf("StaticTips: %v", err)
	}
	if !strings.Contains(tips.Reference(context.Background()), "Do not use star imports") {
		t.Errorf("unexpected tips: %q", tips)
	}
}

func TestCombined(t *testing.T) {
	c := Combined{Static("one"), nil, Static("  "), Static("two")}
	if got := c.Reference(context.Background()); got != "one\n\ntwo" {
		t.Errorf("Reference = %q", got)
	}
}

func TestContext7_Fetch(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		for i := 1; i <= 12; i++ {
			fmt.Fprintf(w, "line %d\n", i)
		}
	}))
	defer srv.Close()

	var snippets []string
	c := NewContext7(
		WithAPIKey("secret"),
		WithBaseURL(srv.URL),
		WithTopic("animations"),
		WithTokens(1000),
		WithSnippetHook(func(s string) { snippets = append(snippets, s) }),
	)

	ref := c.Reference(context.Background())
	if !strings.Contains(ref, "line 12") {
		t.Errorf("reference missing content: %q", ref)
	}
	if gotPath != "/manimcommunity/manim" {
		t.Errorf("path = %q", gotPath)
	}
	for _, want := range []string{"type=txt", "topic=animations", "tokens=1000"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth = %q", gotAuth)
	}
	if len(snippets) != 1 || strings.Count(snippets[0], "\n") != 9 {
		t.Errorf("expected one 10-line snippet, got %q", snippets)
	}

	// Cached after the first success.
	gotPath = ""
	c.Reference(context.Background())
	if gotPath != "" {
		t.Error("second Reference call should not hit the server")
	}
}

func TestContext7_FailureDegrades(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewContext7(WithAPIKey("bad"), WithBaseURL(srv.URL))
	ref := c.Reference(context.Background())
	if !strings.Contains(ref, "unavailable") || !strings.Contains(ref, "401") {
		t.Errorf("reference = %q", ref)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := c.Reference(context.Background()); got != ref {
				t.Errorf("concurrent reference = %q, want cached note", got)
			}
		}()
	}
	wg.Wait()
	if n := hits.Load(); n != 1 {
		t.Errorf("a failed fetch should be cached, hits = %d", n)
	}
}

func TestContext7_CanceledFetchIsNotCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprintln(w, "docs")
	}))
	defer srv.Close()

	c := NewContext7(WithAPIKey("k"), WithBaseURL(srv.URL))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if ref := c.Reference(ctx); !strings.Contains(ref, "unavailable") {
		t.Errorf("canceled reference = %q", ref)
	}
	if ref := c.Reference(context.Background()); !strings.Contains(ref, "docs") {
		t.Errorf("reference after cancel = %q", ref)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("hits = %d, want 1", n)
	}
}

func TestContext7_NoKey(t *testing.T) {
	_, err := NewContext7().Fetch(context.Background(), DefaultContext7Library, "", 10)
	if err == nil {
		t.Fatal("expected error without API key")
	}
}
