package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	call(http.MethodGet, adminURL(*baseURL, "/admin/v1/state", nil), 5*time.Second)
}

func chunkCmd(args []string) {
	fs := flag.NewFlagSet("chunk", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	cx := fs.Int("cx", 0, "chunk x")
	cz := fs.Int("cz", 0, "chunk z")
	_ = fs.Parse(args)
	q := url.Values{}
	q.Set("cx", fmt.Sprint(*cx))
	q.Set("cz", fmt.Sprint(*cz))
	call(http.MethodGet, adminURL(*baseURL, "/admin/v1/chunk", q), 5*time.Second)
}

func reconcileCmd(args []string) {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	call(http.MethodPost, adminURL(*baseURL, "/admin/v1/reconcile", nil), 60*time.Second)
}

func capCmd(args []string) {
	fs := flag.NewFlagSet("cap", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	value := fs.Int64("value", 0, "new per-chunk cap")
	_ = fs.Parse(args)
	if *value <= 0 {
		fmt.Fprintln(os.Stderr, "missing -value")
		os.Exit(2)
	}
	q := url.Values{}
	q.Set("value", fmt.Sprint(*value))
	call(http.MethodPost, adminURL(*baseURL, "/admin/v1/cap", q), 5*time.Second)
}

func adminURL(base, path string, q url.Values) string {
	u := strings.TrimRight(strings.TrimSpace(base), "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func call(method, u string, timeout time.Duration) {
	req, _ := http.NewRequest(method, u, nil)
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
