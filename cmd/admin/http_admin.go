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

func getCmd(name string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	paths := map[string]string{
		"worlds": "/admin/v1/worlds",
		"config": "/admin/v1/rtp/config",
		"stats":  "/admin/v1/rtp/stats",
	}
	doRequest(http.MethodGet, joinURL(*baseURL, paths[name]), 5*time.Second)
}

func reloadCmd(args []string) {
	fs := flag.NewFlagSet("reload", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	doRequest(http.MethodPost, joinURL(*baseURL, "/admin/v1/rtp/reload"), 5*time.Second)
}

func rtpCmd(args []string) {
	fs := flag.NewFlagSet("rtp", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	actor := fs.String("actor", "", "actor id")
	history := fs.Bool("history", false, "print the actor's teleport history instead")
	_ = fs.Parse(args)

	id := strings.TrimSpace(*actor)
	if id == "" {
		fmt.Fprintln(os.Stderr, "missing -actor")
		os.Exit(2)
	}
	if *history {
		doRequest(http.MethodGet, joinURL(*baseURL, "/admin/v1/actors/"+url.PathEscape(id)+"/history"), 5*time.Second)
		return
	}
	doRequest(http.MethodPost, joinURL(*baseURL, "/admin/v1/actors/"+url.PathEscape(id)+"/rtp"), 65*time.Second)
}

func joinURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + path
}

func doRequest(method, u string, timeout time.Duration) {
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
