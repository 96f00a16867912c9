package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	os.Stdout = w
	fn()
	w.Close()
	os.Stdout = orig

	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return string(out)
}

func newTestContext(t *testing.T, addr string, args ...string) *cli.Context {
	t.Helper()
	app := &cli.App{
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "rpcaddr", Value: addr},
			&cli.StringFlag{Name: "state"},
			&cli.DurationFlag{Name: "timeout"},
		},
	}
	var ctx *cli.Context
	app.Action = func(c *cli.Context) error {
		ctx = c
		return nil
	}
	if err := app.Run(append([]string{"decli"}, args...)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return ctx
}

func TestDoRequestPrintsResponseBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ping" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	ctx := newTestContext(t, srv.URL)
	out := captureStdout(t, func() {
		if err := doRequest(ctx, http.MethodGet, "/ping", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	if strings.TrimSpace(out) != "pong" {
		t.Fatalf("received: %q but expected: %q", out, "pong")
	}
}

func TestDoRequestEncodesQuery(t *testing.T) {
	t.Parallel()
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	ctx := newTestContext(t, srv.URL)
	out := captureStdout(t, func() {
		if err := doRequest(ctx, http.MethodGet, "/block_while", url.Values{"state": {"ACTIVE"}}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	if strings.TrimSpace(out) != "OK" {
		t.Fatalf("received: %q but expected: %q", out, "OK")
	}
	if gotQuery.Get("state") != "ACTIVE" {
		t.Fatalf("expected state=ACTIVE in the request query, got %v", gotQuery)
	}
}

func runCLI(t *testing.T, addr string, args ...string) string {
	t.Helper()
	app := &cli.App{
		Name: "decli",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "rpcaddr", Aliases: []string{"a"}, Value: addr},
		},
		Commands: []*cli.Command{
			showConfigCommand,
			showDeConfigCommand,
			productDependenciesCommand,
			logLevelCommand,
		},
	}
	return captureStdout(t, func() {
		if err := app.Run(append([]string{"decli"}, args...)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestShowConfigCommandDefaultsToAll(t *testing.T) {
	t.Parallel()
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	out := runCLI(t, srv.URL, "show_config")
	if strings.TrimSpace(out) != "{}" {
		t.Fatalf("received: %q but expected: %q", out, "{}")
	}
	if gotQuery.Get("name") != "all" {
		t.Fatalf("expected name=all in the request query with no argument given, got %v", gotQuery)
	}
}

func TestShowConfigCommandPassesName(t *testing.T) {
	t.Parallel()
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	runCLI(t, srv.URL, "show_config", "alpha")
	if gotQuery.Get("name") != "alpha" {
		t.Fatalf("expected name=alpha in the request query, got %v", gotQuery)
	}
}

func TestShowDeConfigCommandHitsDeConfigRoute(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/de_config" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"exchange_name":"test_exchange"}`))
	}))
	defer srv.Close()

	out := runCLI(t, srv.URL, "show_de_config")
	if !strings.Contains(out, "test_exchange") {
		t.Fatalf("received: %q but expected it to contain the exchange name", out)
	}
}

func TestProductDependenciesCommandUsesFormatFlag(t *testing.T) {
	t.Parallel()
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	runCLI(t, srv.URL, "product_dependencies")
	if gotQuery.Get("format") != "table" {
		t.Fatalf("expected default format=table in the request query, got %v", gotQuery)
	}
}

func TestLogLevelCommandHitsLogLevelRoute(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/log_level" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte("info"))
	}))
	defer srv.Close()

	out := runCLI(t, srv.URL, "get_log_level")
	if strings.TrimSpace(out) != "info" {
		t.Fatalf("received: %q but expected: %q", out, "info")
	}
}

func TestBaseURLTrimsTrailingSlash(t *testing.T) {
	t.Parallel()
	ctx := newTestContext(t, "http://localhost:8888/")
	if got := baseURL(ctx); got != "http://localhost:8888" {
		t.Fatalf("received: %q but expected no trailing slash", got)
	}
}
