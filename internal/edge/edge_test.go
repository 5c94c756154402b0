package edge

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/dvaar/dvaar/internal/admission"
	"github.com/dvaar/dvaar/internal/client"
	"github.com/dvaar/dvaar/internal/db"
	"github.com/dvaar/dvaar/internal/directory"
)

type fakeStore struct {
	users  map[string]*db.User
	custom map[string]string
}

func (f *fakeStore) GetUserByToken(token string) (*db.User, error) {
	return f.users[token], nil
}

func (f *fakeStore) GetPlanLimits(name string) (db.PlanLimits, error) {
	return db.DefaultPlan(name), nil
}

func (f *fakeStore) GetReservedSubdomainOwner(sub string) (string, error) {
	return "", nil
}

func (f *fakeStore) GetCustomDomainSubdomain(domain string) (string, error) {
	return f.custom[domain], nil
}

type edgeFixture struct {
	srv    *Server
	dir    *directory.Directory
	store  *fakeStore
	public *httptest.Server
}

func newEdgeFixture(t *testing.T) *edgeFixture {
	t.Helper()
	return newEdgeFixtureWith(t, miniredis.RunT(t), nil)
}

// newEdgeFixtureWith builds one edge node. Fixtures sharing a miniredis see
// each other's routes; a non-nil internal listener serves the node-to-node
// surface so peers can actually reach this node.
func newEdgeFixtureWith(t *testing.T, mr *miniredis.Miniredis, internal net.Listener) *edgeFixture {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	dir := directory.New(rdb)

	store := &fakeStore{
		users: map[string]*db.User{
			"tk_pro": {ID: "u1", Email: "pro@example.com", Plan: "pro"},
		},
		custom: map[string]string{},
	}

	internalPort := 9901
	if internal != nil {
		internalPort = internal.Addr().(*net.TCPAddr).Port
	}
	cfg := Config{
		TunnelDomain:  "tun.example",
		NodeAddr:      "127.0.0.1",
		InternalPort:  internalPort,
		ClusterSecret: "shh",
		ServerVersion: "test",
	}
	ctrl := admission.New(store, dir, admission.Config{
		TunnelDomain: cfg.TunnelDomain,
		NodeAddr:     cfg.NodeAddr,
		InternalPort: cfg.InternalPort,
		RouteTTL:     time.Minute,
	}, zerolog.Nop())

	srv := New(cfg, dir, ctrl, store, zerolog.Nop())
	if internal != nil {
		go http.Serve(internal, srv.InternalRouter())
		t.Cleanup(func() { internal.Close() })
	}
	public := httptest.NewServer(srv.PublicRouter())
	t.Cleanup(public.Close)
	return &edgeFixture{srv: srv, dir: dir, store: store, public: public}
}

// startTunnel runs a client against the fixture's edge and waits until the
// session is registered.
func (f *edgeFixture) startTunnel(t *testing.T, ctx context.Context, sub, target string) string {
	t.Helper()
	c := client.New(client.Config{
		ServerURL: f.public.URL,
		Token:     "tk_pro",
		Subdomain: sub,
		Target:    target,
	}, zerolog.Nop())
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := f.srv.Registry().Get(sub)
		return ok && c.AssignedDomain() != ""
	}, 5*time.Second, 10*time.Millisecond)
	return c.AssignedDomain()
}

func TestResolveSubdomain(t *testing.T) {
	f := newEdgeFixture(t)
	f.store.custom["app.example.org"] = "mapped"

	tests := []struct {
		name string
		host string
		dev  string
		want string
	}{
		{name: "tunnel label", host: "demo.tun.example", want: "demo"},
		{name: "tunnel label with port", host: "demo.tun.example:443", want: "demo"},
		{name: "case folded", host: "DeMo.TUN.example", want: "demo"},
		{name: "nested label rejected", host: "a.b.tun.example", want: ""},
		{name: "bare tunnel domain", host: "tun.example", want: ""},
		{name: "custom domain", host: "app.example.org", want: "mapped"},
		{name: "unknown host", host: "nope.example.org", want: ""},
		{name: "dev override", host: "localhost:8080", dev: "devsub", want: "devsub"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.Host = tt.host
			if tt.dev != "" {
				r.Header.Set(headerDevSubdomain, tt.dev)
			}
			require.Equal(t, tt.want, f.srv.resolveSubdomain(r))
		})
	}
}

func TestScrubHeadersDropsHopAndInternal(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Connection", "keep-alive")
	h.Set("Transfer-Encoding", "chunked")
	h.Set(headerClusterSecret, "shh")
	h.Set(headerOriginalHost, "x")
	h.Set(headerDevSubdomain, "y")
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")

	out := scrubHeaders(h)
	require.Equal(t, "application/json", out.Get("Content-Type"))
	require.Len(t, out["Set-Cookie"], 2)
	require.Empty(t, out.Get("Connection"))
	require.Empty(t, out.Get("Transfer-Encoding"))
	require.Empty(t, out.Get(headerClusterSecret))
	require.Empty(t, out.Get(headerOriginalHost))
	require.Empty(t, out.Get(headerDevSubdomain))
}

func TestEndToEndHTTPRoundTrip(t *testing.T) {
	f := newEdgeFixture(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("echo: " + string(body)))
	}))
	defer upstream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	domain := f.startTunnel(t, ctx, "e2e", strings.TrimPrefix(upstream.URL, "http://"))
	require.Equal(t, "e2e.tun.example", domain)

	// The admission path must have written the route.
	rec, err := f.dir.GetRoute(ctx, "e2e")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "u1", rec.UserID)

	req, err := http.NewRequest("POST", f.public.URL+"/x", strings.NewReader("hi"))
	require.NoError(t, err)
	req.Host = "e2e.tun.example"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "echo: hi", string(body))
}

func TestHandshakeRejectionReachesClient(t *testing.T) {
	f := newEdgeFixture(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	c := client.New(client.Config{
		ServerURL: f.public.URL,
		Token:     "nope",
		Target:    strings.TrimPrefix(upstream.URL, "http://"),
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Run(ctx)
	require.ErrorIs(t, err, client.ErrRejected)
	require.Contains(t, err.Error(), "Invalid token")
	require.Equal(t, 0, f.srv.Registry().Len())
}

func TestIngressUnknownSubdomainIs404(t *testing.T) {
	f := newEdgeFixture(t)

	req, err := http.NewRequest("GET", f.public.URL+"/", nil)
	require.NoError(t, err)
	req.Host = "ghost.tun.example"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInternalProxyRequiresSecret(t *testing.T) {
	f := newEdgeFixture(t)
	internal := httptest.NewServer(f.srv.InternalRouter())
	defer internal.Close()

	req, err := http.NewRequest("GET", internal.URL+internalProxyPrefix+"/x", nil)
	require.NoError(t, err)
	req.Header.Set(headerClusterSecret, "wrong")
	req.Header.Set(headerOriginalHost, "demo.tun.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Right secret but no original host.
	req.Header.Set(headerClusterSecret, "shh")
	req.Header.Del(headerOriginalHost)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAskCheck(t *testing.T) {
	f := newEdgeFixture(t)
	internal := httptest.NewServer(f.srv.InternalRouter())
	defer internal.Close()

	// Unknown domain: 404.
	resp, err := http.Get(internal.URL + "/_caddy/check?domain=ghost.tun.example")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Directory route but no local handle: still 200.
	err = f.dir.PutRoute(context.Background(), "routed", directory.RouteRecord{
		NodeAddr:     "peer",
		InternalPort: 9901,
		UserID:       "u1",
	}, time.Minute)
	require.NoError(t, err)
	resp, err = http.Get(internal.URL + "/_caddy/check?domain=routed.tun.example")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Missing param: 400.
	resp, err = http.Get(internal.URL + "/_caddy/check")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMajorVersion(t *testing.T) {
	require.Equal(t, "2", majorVersion("2.1.0"))
	require.Equal(t, "2", majorVersion("v2.1.0"))
	require.Equal(t, "", majorVersion("dev"))
	require.Equal(t, "", majorVersion(""))
}

func TestSessionShutdownReleasesRoute(t *testing.T) {
	f := newEdgeFixture(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f.startTunnel(t, ctx, "gone", strings.TrimPrefix(upstream.URL, "http://"))

	sess, ok := f.srv.Registry().Get("gone")
	require.True(t, ok)

	cancel() // stops the client; the edge sees the socket close
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not shut down")
	}

	require.Eventually(t, func() bool {
		_, ok := f.srv.Registry().Get("gone")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := f.dir.GetRoute(context.Background(), "gone")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestReconnectKeepsFreshRoute(t *testing.T) {
	f := newEdgeFixture(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()
	target := strings.TrimPrefix(upstream.URL, "http://")

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	f.startTunnel(t, ctx1, "dup", target)
	first, ok := f.srv.Registry().Get("dup")
	require.True(t, ok)

	// A second client claims the same subdomain: admission rewrites the
	// route, then the registry replaces (and shuts down) the old session.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	c2 := client.New(client.Config{
		ServerURL: f.public.URL,
		Token:     "tk_pro",
		Subdomain: "dup",
		Target:    target,
	}, zerolog.Nop())
	go c2.Run(ctx2)

	require.Eventually(t, func() bool {
		sess, ok := f.srv.Registry().Get("dup")
		return ok && sess != first
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("replaced session did not shut down")
	}
	cancel1() // keep the first client from dialing back in

	// The replaced session's cleanup must not delete its successor's route.
	rec, err := f.dir.GetRoute(context.Background(), "dup")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "u1", rec.UserID)

	// And the subdomain still serves through the new session.
	req, err := http.NewRequest("GET", f.public.URL+"/", nil)
	require.NoError(t, err)
	req.Host = "dup.tun.example"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
}

func TestEndToEndWebSocketRoundTrip(t *testing.T) {
	f := newEdgeFixture(t)

	upstreamClosed := make(chan websocket.CloseError, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := context.Background()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				var ce websocket.CloseError
				if errors.As(err, &ce) {
					upstreamClosed <- ce
				}
				return
			}
			if err := conn.Write(ctx, typ, append([]byte("echo: "), data...)); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	f.startTunnel(t, ctx, "wsecho", strings.TrimPrefix(upstream.URL, "http://"))

	// Route by the dev header: the dialer cannot set a fake Host.
	hdr := http.Header{}
	hdr.Set(headerDevSubdomain, "wsecho")
	wsURL := "ws" + strings.TrimPrefix(f.public.URL, "http")
	pub, resp, err := websocket.Dial(ctx, wsURL+"/chat", &websocket.DialOptions{HTTPHeader: hdr})
	require.NoError(t, err)
	defer pub.CloseNow()
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, pub.Write(ctx, websocket.MessageText, []byte("hello")))
	typ, data, err := pub.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	require.Equal(t, "echo: hello", string(data))

	// Closing on the public side must reach the upstream with the same
	// status code and reason.
	pub.Close(websocket.StatusNormalClosure, "bye")
	select {
	case ce := <-upstreamClosed:
		require.Equal(t, websocket.StatusNormalClosure, ce.Code)
		require.Equal(t, "bye", ce.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never saw the close")
	}
}

func TestPeerProxyRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)

	internal, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	holder := newEdgeFixtureWith(t, mr, internal)
	other := newEdgeFixtureWith(t, mr, nil)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("echo: " + string(body)))
	}))
	defer upstream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	holder.startTunnel(t, ctx, "peer", strings.TrimPrefix(upstream.URL, "http://"))

	// The tunnel is attached to the first node; this request arrives at the
	// second, which must forward it over the internal surface.
	req, err := http.NewRequest("POST", other.public.URL+"/x", strings.NewReader("hi"))
	require.NoError(t, err)
	req.Host = "peer.tun.example"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "echo: hi", string(body))
	require.Equal(t, 0, other.srv.Registry().Len())
}
