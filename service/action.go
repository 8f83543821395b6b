package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	x402 "github.com/stackspay/stackspay"
)

// CommandAction runs command through sh with input on stdin and returns the
// trimmed stdout. Each run is bounded by timeout.
func CommandAction(command string, timeout time.Duration) func(ctx context.Context, input []byte) (string, error) {
	return func(ctx context.Context, input []byte) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		// children of sh may hold stdout open after the kill
		cmd.WaitDelay = time.Second
		if len(input) > 0 {
			cmd.Stdin = bytes.NewReader(input)
		}
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", x402.NewError(x402.KindExecution, "run", fmt.Errorf("command timed out after %s", timeout))
		}
		if err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return "", x402.NewError(x402.KindExecution, "run", fmt.Errorf("command failed: %s", msg))
		}
		return strings.TrimSpace(stdout.String()), nil
	}
}

// hop-by-hop and payment headers that never reach the upstream
var strippedHeaders = []string{
	"Payment-Signature",
	"X-Payment",
	"Host",
	"Content-Length",
	"Connection",
	"Transfer-Encoding",
}

// Proxy forwards paid requests to a fixed upstream URL.
type Proxy struct {
	target *url.URL
	client *http.Client
}

func NewProxy(target string, client *http.Client) (*Proxy, error) {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, x402.ConfigErrorf("proxy", "invalid target URL: %s", target)
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Proxy{target: u, client: client}, nil
}

// Forward copies r to the upstream (suffix appended to the target path) and
// streams the answer back. An error means nothing was written to w.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, suffix string) error {
	u := *p.target
	if suffix != "" && suffix != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/") + suffix
	}
	if r.URL.RawQuery != "" {
		if u.RawQuery != "" {
			u.RawQuery += "&" + r.URL.RawQuery
		} else {
			u.RawQuery = r.URL.RawQuery
		}
	}

	var body io.Reader
	if r.Body != nil {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("read request body: %w", err)
		}
		if len(data) > 0 {
			body = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header = r.Header.Clone()
	for _, h := range strippedHeaders {
		req.Header.Del(h)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	for k, values := range resp.Header {
		if strings.EqualFold(k, "Transfer-Encoding") || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	// headers are out; a failed copy can no longer become a 502
	_, _ = io.Copy(w, resp.Body)
	return nil
}
