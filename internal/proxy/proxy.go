// Package proxy provides the Host-routing reverse proxy that fronts
// slices. It listens on the first free candidate port (conventionally
// 80, 443 or 4080), looks up the inbound Host header in the store, and
// streams the request to the slice's allocated port on loopback.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vebrasmusic/bakery/internal/store"
)

// Proxy is the HTTP reverse proxy for slice routes.
type Proxy struct {
	store     *store.Store
	logger    *zap.Logger
	server    *http.Server
	transport *http.Transport
	ln        net.Listener
	port      atomic.Int32
}

// New creates a proxy over the given store.
func New(st *store.Store, logger *zap.Logger) *Proxy {
	p := &Proxy{
		store:  st,
		logger: logger,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: 5 * time.Second,
			}).DialContext,
			// Pass upstream bodies through untouched.
			DisableCompression: true,
		},
	}
	p.server = &http.Server{Handler: p}
	return p
}

// Start binds the first free candidate port on host and begins serving.
// If no candidate binds, an OS-assigned port is used. Returns the
// resolved port.
func (p *Proxy) Start(host string, candidates []int) (int, error) {
	var ln net.Listener
	var err error
	for _, c := range candidates {
		ln, err = net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(c)))
		if err == nil {
			break
		}
		ln = nil
	}
	if ln == nil {
		ln, err = net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return 0, fmt.Errorf("router listen: %w", err)
		}
	}

	p.ln = ln
	port := ln.Addr().(*net.TCPAddr).Port
	p.port.Store(int32(port))
	p.logger.Info("router listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("router serve", zap.Error(err))
		}
	}()
	return port, nil
}

// Stop gracefully shuts down the proxy. In-flight upstream streams
// complete or are aborted as their client connections close.
func (p *Proxy) Stop(ctx context.Context) error {
	return p.server.Shutdown(ctx)
}

// Port returns the resolved router port, 0 before Start. Handed to the
// orchestrator as its router-port provider.
func (p *Proxy) Port() int {
	return int(p.port.Load())
}

// ServeHTTP routes one inbound request to its slice upstream.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rawHost := r.Host
	host, hostPort := splitHost(rawHost)
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		writeError(w, http.StatusBadRequest, "Missing Host header")
		return
	}

	route, err := p.store.GetHostRoute(r.Context(), host)
	if err != nil {
		p.logger.Error("route lookup", zap.String("host", host), zap.Error(err))
		writeError(w, http.StatusBadRequest, "Route lookup failed")
		return
	}
	if route == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("No slice is registered for host %q", host))
		return
	}
	if route.SliceStatus != store.StatusRunning {
		writeError(w, http.StatusServiceUnavailable, "Slice is not active")
		return
	}

	target := "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(route.Port)) + r.URL.RequestURI()
	upstream, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	upstream.ContentLength = r.ContentLength

	copyHeaders(upstream.Header, r.Header)
	setForwardedHeaders(upstream.Header, r, rawHost, hostPort)

	resp, err := p.transport.RoundTrip(upstream)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Upstream connection failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Client gone or upstream died mid-stream; nothing to send.
		p.logger.Debug("stream aborted", zap.String("host", host), zap.Error(err))
	}
}

// copyHeaders copies request headers to the upstream, dropping the
// Connection header and anything it names.
func copyHeaders(dst, src http.Header) {
	dropped := map[string]bool{"Connection": true}
	for _, name := range src.Values("Connection") {
		for _, tok := range strings.Split(name, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				dropped[http.CanonicalHeaderKey(tok)] = true
			}
		}
	}
	for k, vv := range src {
		if dropped[k] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// setForwardedHeaders rewrites the X-Forwarded-* chain:
//
//   - X-Forwarded-Host: the original Host header, verbatim.
//   - X-Forwarded-Proto: first token of the incoming value, else "http".
//   - X-Forwarded-Port: the port in the Host header when numeric, else
//     the proto default.
//   - X-Forwarded-For: existing chain plus the remote peer.
func setForwardedHeaders(h http.Header, r *http.Request, rawHost, hostPort string) {
	if rawHost != "" {
		h.Set("X-Forwarded-Host", rawHost)
	}

	proto := "http"
	if v := r.Header.Get("X-Forwarded-Proto"); v != "" {
		first := strings.TrimSpace(strings.Split(v, ",")[0])
		if first != "" {
			proto = strings.ToLower(first)
		}
	}
	h.Set("X-Forwarded-Proto", proto)

	port := hostPort
	if _, err := strconv.Atoi(port); err != nil {
		if proto == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	h.Set("X-Forwarded-Port", port)

	if peer, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && peer != "" {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+peer)
		} else {
			h.Set("X-Forwarded-For", peer)
		}
	}
}

// splitHost splits an inbound Host header into hostname and optional
// port, recognizing the bracketed IPv6 form.
func splitHost(hostport string) (host, port string) {
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		return h, p
	}
	return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]"), ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
