// Package trackerclient implements the HTTP tracker wire transport (BEP 3):
// building and issuing a single GET /announce request and decoding its
// bencoded response, generalized from the teacher's in-house RPC-based
// tracker client onto the real public BitTorrent tracker HTTP protocol.
package trackerclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"

	"github.com/torrentd/libtorrent/core"
)

// Event signals a lifecycle transition to the tracker.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceParams carries one announce request's parameters.
type AnnounceParams struct {
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
	Key        uint32
	TrackerID  string
	Compact    bool
}

// AnnounceResponse is the decoded tracker reply.
type AnnounceResponse struct {
	FailureReason string
	WarningReason string
	Interval      time.Duration
	MinInterval   time.Duration
	TrackerID     string
	Complete      int
	Incomplete    int
	Peers         []core.PeerInfo
}

// Client issues HTTP announce/scrape requests against one tracker endpoint.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// New creates a Client for the tracker at rawURL.
func New(rawURL string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse tracker url: %s", err)
	}
	return &Client{
		baseURL: u,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:          50,
				IdleConnTimeout:       30 * time.Second,
				ResponseHeaderTimeout: 15 * time.Second,
			},
		},
	}, nil
}

// Announce performs one HTTP GET /announce round-trip.
func (c *Client) Announce(ctx context.Context, p AnnounceParams) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(p), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &HTTPStatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return decodeAnnounceResponse(resp.Body)
}

// HTTPStatusError carries the tracker's non-200 HTTP status, including the
// 410 Gone code AnnounceScheduler uses to permanently retire a tracker.
type HTTPStatusError struct {
	Code int
	Body string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("tracker returned status %d: %s", e.Code, e.Body)
}

func (c *Client) buildURL(p AnnounceParams) string {
	u := *c.baseURL
	q := u.Query()
	q.Set("info_hash", string(p.InfoHash.Bytes()))
	q.Set("peer_id", string(p.PeerID[:]))
	q.Set("port", strconv.Itoa(p.Port))
	q.Set("uploaded", strconv.FormatInt(p.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(p.Downloaded, 10))
	q.Set("left", strconv.FormatInt(p.Left, 10))
	if p.Compact {
		q.Set("compact", "1")
	}
	if p.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(p.NumWant))
	}
	if p.Key != 0 {
		q.Set("key", strconv.FormatUint(uint64(p.Key), 10))
	}
	if p.Event != EventNone {
		q.Set("event", p.Event.String())
	}
	if p.TrackerID != "" {
		q.Set("trackerid", p.TrackerID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ScrapeResponse reports swarm stats for a torrent without announcing
// participation in it.
type ScrapeResponse struct {
	Complete   int
	Downloaded int
	Incomplete int
}

type rawScrapeFile struct {
	Complete   int `bencode:"complete"`
	Downloaded int `bencode:"downloaded"`
	Incomplete int `bencode:"incomplete"`
}

type rawScrapeResponse struct {
	Files map[string]rawScrapeFile `bencode:"files"`
}

// Scrape issues a GET against the tracker's scrape convention: replace the
// last path segment "announce" with "scrape", per BEP 48's de facto URL
// convention (not itself part of BEP 3, but universally implemented).
func (c *Client) Scrape(ctx context.Context, infoHash core.InfoHash) (*ScrapeResponse, error) {
	scrapeURL, err := scrapeURLFor(c.baseURL)
	if err != nil {
		return nil, err
	}
	u := *scrapeURL
	q := u.Query()
	q.Set("info_hash", string(infoHash.Bytes()))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &HTTPStatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var raw rawScrapeResponse
	if err := bencode.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("decode scrape response: %s", err)
	}
	f := raw.Files[string(infoHash.Bytes())]
	return &ScrapeResponse{
		Complete:   f.Complete,
		Downloaded: f.Downloaded,
		Incomplete: f.Incomplete,
	}, nil
}

// scrapeURLFor derives the scrape endpoint from an announce URL by
// replacing the final "announce" path segment with "scrape".
func scrapeURLFor(announce *url.URL) (*url.URL, error) {
	const suffix = "announce"
	path := announce.Path
	idx := len(path) - len(suffix)
	if idx < 0 || path[idx:] != suffix {
		return nil, fmt.Errorf("tracker does not support scrape convention: %s", announce)
	}
	u := *announce
	u.Path = path[:idx] + "scrape"
	return &u, nil
}

type rawAnnounceResponse struct {
	FailureReason string      `bencode:"failure reason"`
	WarningReason string      `bencode:"warning reason"`
	Interval      int         `bencode:"interval"`
	MinInterval   int         `bencode:"min interval"`
	TrackerID     string      `bencode:"tracker id"`
	Complete      int         `bencode:"complete"`
	Incomplete    int         `bencode:"incomplete"`
	Peers         interface{} `bencode:"peers"`
}

type dictPeer struct {
	PeerID string `bencode:"peer id"`
	IP     string `bencode:"ip"`
	Port   int    `bencode:"port"`
}

func decodeAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	var raw rawAnnounceResponse
	if err := bencode.Unmarshal(r, &raw); err != nil {
		return nil, fmt.Errorf("decode announce response: %s", err)
	}
	if raw.FailureReason != "" {
		return &AnnounceResponse{FailureReason: raw.FailureReason}, nil
	}

	peers, err := decodePeers(raw.Peers)
	if err != nil {
		return nil, fmt.Errorf("decode peers: %s", err)
	}

	return &AnnounceResponse{
		WarningReason: raw.WarningReason,
		Interval:      time.Duration(raw.Interval) * time.Second,
		MinInterval:   time.Duration(raw.MinInterval) * time.Second,
		TrackerID:     raw.TrackerID,
		Complete:      raw.Complete,
		Incomplete:    raw.Incomplete,
		Peers:         peers,
	}, nil
}

// decodePeers handles both the compact binary form (a string of 6-byte
// IPv4 address+port entries) and the original dictionary-list form.
func decodePeers(v interface{}) ([]core.PeerInfo, error) {
	switch p := v.(type) {
	case string:
		return decodeCompactPeers([]byte(p))
	case []interface{}:
		var out []core.PeerInfo
		for _, item := range p {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			peer := core.PeerInfo{}
			if ip, ok := m["ip"].(string); ok {
				peer.IP = ip
			}
			if port, ok := m["port"].(int64); ok {
				peer.Port = int(port)
			}
			if id, ok := m["peer id"].(string); ok && len(id) == 20 {
				peer.PeerID, _ = core.NewPeerIDFromBytes([]byte(id))
			}
			out = append(out, peer)
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected peers encoding: %T", v)
	}
}

func decodeCompactPeers(b []byte) ([]core.PeerInfo, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("compact peers: length %d not a multiple of 6", len(b))
	}
	var out []core.PeerInfo
	for i := 0; i < len(b); i += 6 {
		ip := net.IP(b[i : i+4])
		port := int(b[i+4])<<8 | int(b[i+5])
		out = append(out, core.PeerInfo{IP: ip.String(), Port: port})
	}
	return out, nil
}
