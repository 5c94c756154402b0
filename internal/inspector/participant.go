package inspector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvaar/dvaar/internal/client"
)

const (
	// portWalkSpan is how many ports past the preferred one Join will try.
	portWalkSpan = 10

	probeTimeout = 500 * time.Millisecond
	postTimeout  = 2 * time.Second
)

// Participant is this process's attachment to the host-local inspector:
// either it runs the server itself or it posts to a compatible one that is
// already listening. It implements client.Reporter.
type Participant struct {
	tunnelID string
	log      zerolog.Logger

	// Server mode.
	store *Store
	addr  string

	// Client mode.
	baseURL string
	http    *http.Client
}

var _ client.Reporter = (*Participant)(nil)

// Join walks ports preferred..preferred+portWalkSpan. A port answering
// /health as this inspector is joined as a client; a free port makes this
// process the server. Failing every port is fatal for the inspector feature
// only.
func Join(ctx context.Context, preferredPort int, version string, log zerolog.Logger) (*Participant, error) {
	log = log.With().Str("component", "inspector").Logger()
	probe := &http.Client{Timeout: probeTimeout}

	for port := preferredPort; port <= preferredPort+portWalkSpan; port++ {
		addr := "127.0.0.1:" + strconv.Itoa(port)

		if probeInspector(probe, addr) {
			log.Info().Str("addr", addr).Msg("joined running inspector")
			return &Participant{
				tunnelID: uuid.NewString(),
				log:      log,
				baseURL:  "http://" + addr,
				http:     &http.Client{Timeout: postTimeout},
			}, nil
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			continue
		}
		store := NewStore()
		srv := NewServer(store, version, log)
		go func() {
			if err := srv.Serve(ctx, ln); err != nil {
				log.Warn().Err(err).Msg("inspector server stopped")
			}
		}()
		log.Info().Str("addr", addr).Msg("inspector listening")
		return &Participant{
			tunnelID: uuid.NewString(),
			log:      log,
			store:    store,
			addr:     addr,
		}, nil
	}

	return nil, fmt.Errorf("no inspector port free or joinable in %d..%d", preferredPort, preferredPort+portWalkSpan)
}

func probeInspector(c *http.Client, addr string) bool {
	resp, err := c.Get("http://" + addr + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var health struct {
		Service string `json:"service"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false
	}
	return health.Service == ServiceName
}

// Store returns the local store in server mode, nil in client mode.
func (p *Participant) Store() *Store { return p.store }

// Addr returns the bound address in server mode, the joined base URL host in
// client mode.
func (p *Participant) Addr() string {
	if p.store != nil {
		return p.addr
	}
	return p.baseURL
}

func (p *Participant) TunnelID() string { return p.tunnelID }

func (p *Participant) RegisterTunnel(subdomain, publicURL, localAddr string) {
	if p.store != nil {
		p.store.Register(p.tunnelID, subdomain, publicURL, localAddr)
		return
	}
	p.post("/tunnels/register", registerPayload{
		ID:        p.tunnelID,
		Subdomain: subdomain,
		PublicURL: publicURL,
		LocalAddr: localAddr,
	})
}

func (p *Participant) RecordRequest(rec client.CapturedExchange) {
	req := CapturedRequest{
		TunnelID:    p.tunnelID,
		Method:      rec.Method,
		Path:        rec.Path,
		ReqHeaders:  rec.ReqHeaders,
		ReqBody:     rec.ReqBody,
		RespStatus:  rec.RespStatus,
		RespHeaders: rec.RespHeaders,
		RespBody:    rec.RespBody,
		DurationMs:  rec.Duration.Milliseconds(),
		SizeBytes:   rec.SizeBytes,
	}
	if p.store != nil {
		p.store.AddRequest(p.tunnelID, req)
		return
	}
	p.post("/tunnels/"+p.tunnelID+"/request", req)
}

func (p *Participant) Heartbeat() {
	if p.store != nil {
		p.store.Heartbeat(p.tunnelID)
		return
	}
	p.post("/tunnels/"+p.tunnelID+"/heartbeat", nil)
}

func (p *Participant) Unregister() {
	if p.store != nil {
		p.store.Unregister(p.tunnelID)
		return
	}
	p.post("/tunnels/"+p.tunnelID+"/unregister", nil)
}

// TrackOpen feeds the open-connection gauge; only meaningful in server mode.
func (p *Participant) TrackOpen() func() {
	if p.store != nil {
		return p.store.TrackOpen(p.tunnelID)
	}
	return func() {}
}

// post is fire-and-forget: a dead inspector must never stall tunnel traffic.
func (p *Participant) post(path string, body any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return
		}
	}
	resp, err := p.http.Post(p.baseURL+path, "application/json", &buf)
	if err != nil {
		p.log.Debug().Err(err).Str("path", path).Msg("inspector post failed")
		return
	}
	resp.Body.Close()
}
