package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// resolveUpstream turns the configured target into a dialable host:port. A
// target that names an existing directory gets a throwaway static file server
// on a loopback port; the tunnel then points at that.
func (c *Client) resolveUpstream(ctx context.Context) (string, error) {
	target := strings.TrimSpace(c.cfg.Target)
	if target == "" {
		return "", fmt.Errorf("empty target")
	}

	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return c.serveStatic(ctx, target)
	}

	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", fmt.Errorf("parse target url: %w", err)
		}
		switch u.Scheme {
		case "http":
		case "https":
			c.cfg.TLSUpstream = true
		default:
			return "", fmt.Errorf("unsupported target scheme %q", u.Scheme)
		}
		host := u.Host
		if u.Port() == "" {
			if u.Scheme == "https" {
				host += ":443"
			} else {
				host += ":80"
			}
		}
		return host, nil
	}

	// A bare number is a port on localhost.
	if port, err := strconv.Atoi(target); err == nil {
		if port < 1 || port > 65535 {
			return "", fmt.Errorf("port %d out of range", port)
		}
		return "127.0.0.1:" + target, nil
	}

	if _, _, err := net.SplitHostPort(target); err != nil {
		return "", fmt.Errorf("target %q is not a directory, port, or host:port", target)
	}
	return target, nil
}

// serveStatic binds a loopback listener on a kernel-assigned port and serves
// the directory behind it for the lifetime of ctx.
func (c *Client) serveStatic(ctx context.Context, dir string) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("bind static server: %w", err)
	}

	srv := &http.Server{Handler: http.FileServer(http.Dir(dir))}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.log.Error().Err(err).Msg("static file server stopped")
		}
	}()

	addr := ln.Addr().String()
	c.log.Info().Str("dir", dir).Str("addr", addr).Msg("serving static directory")
	return addr, nil
}
