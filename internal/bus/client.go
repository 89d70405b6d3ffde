package bus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
)

// Client calls methods on services registered on a bus.
type Client struct {
	dir  string
	http *http.Client
}

func newClient(dir string) *Client {
	c := &Client{dir: dir}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			var d net.Dialer
			return d.DialContext(ctx, "unix", filepath.Join(c.dir, host+".sock"))
		},
		MaxIdleConnsPerHost: 2,
	}
	c.http = &http.Client{Transport: transport}
	return c
}

// Call sends payload to uri and returns the reply payload. Standard error
// replies are returned as payloads, not errors; err is only set when no reply
// arrived.
func (c *Client) Call(ctx context.Context, uri string, payload []byte) ([]byte, error) {
	addr, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	target := "http://" + addr.Service + strings.TrimSuffix(addr.Category, "/") + "/" + addr.Method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bus: call %s: %w", uri, err)
	}
	req.Header.Set("Content-Type", jsonContentType)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bus: call %s: %w", uri, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("bus: read reply from %s: %w", uri, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("bus: call %s: no reply (%s)", uri, resp.Status)
	}
	return body, nil
}

// Get fetches an auxiliary HTTP endpoint such as /health from service.
func (c *Client) Get(ctx context.Context, service, path string) ([]byte, error) {
	if err := validateName(service); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+service+"/"+strings.TrimPrefix(path, "/"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bus: get %s%s: %w", service, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bus: get %s%s: %s", service, path, resp.Status)
	}
	return body, nil
}

// Close drops idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}
