package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func stateCmd(args []string) {
	adminCall("state", args, http.MethodGet, "/admin/v1/state", 5*time.Second)
}

func snapshotCmd(args []string) {
	adminCall("snapshot", args, http.MethodPost, "/admin/v1/snapshot", 10*time.Second)
}

// adminCall hits a loopback admin endpoint of a running server and echoes
// the JSON body. Non-2xx exits 1.
func adminCall(name string, args []string, method, path string, timeout time.Duration) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + path
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		fatal("request", err)
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fatal("request", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
