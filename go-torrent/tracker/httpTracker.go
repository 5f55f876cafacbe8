package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"
)

var ErrMalformedResponse = errors.New("malformed tracker response")

func (tr *tracker) queryHTTPTracker(ctx context.Context, u *url.URL, event Event) (*Response, error) {
	q := u.Query()
	q.Set("info_hash", string(tr.infoHash[:]))
	q.Set("peer_id", string(tr.peerID[:]))
	uploaded, downloaded, left := tr.totals()
	q.Set("uploaded", strconv.FormatInt(uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(downloaded, 10))
	q.Set("left", strconv.FormatInt(left, 10))
	q.Set("key", strconv.Itoa(int(tr.key)))
	if event != None {
		q.Set("event", event.String())
	}
	q.Set("numwant", strconv.Itoa(int(tr.numwant)))
	q.Set("port", strconv.Itoa(int(tr.port)))
	q.Set("compact", "1")

	announceURL := *u
	announceURL.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := tr.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned %s", resp.Status)
	}
	return parseHTTPResponse(resp.Body)
}

func parseHTTPResponse(body io.Reader) (*Response, error) {
	decoded, err := bencode.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: not a dictionary", ErrMalformedResponse)
	}
	if reason, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker failure: %s", reason)
	}

	resp := &Response{Interval: DEFAULT_INTERVAL}
	if interval, ok := dict["interval"].(int64); ok && interval > 0 {
		resp.Interval = time.Duration(interval) * time.Second
	}
	if n, ok := dict["incomplete"].(int64); ok {
		resp.Leechers = int(n)
	}
	if n, ok := dict["complete"].(int64); ok {
		resp.Seeders = int(n)
	}

	switch peers := dict["peers"].(type) {
	case string:
		compact, err := parseCompactPeers([]byte(peers), net.IPv4len)
		if err != nil {
			return nil, err
		}
		resp.Peers = append(resp.Peers, compact...)
	case []interface{}:
		for _, p := range peers {
			peer, err := parseDictPeer(p)
			if err != nil {
				return nil, err
			}
			resp.Peers = append(resp.Peers, peer)
		}
	case nil:
	default:
		return nil, fmt.Errorf("%w: peers", ErrMalformedResponse)
	}
	if peers6, ok := dict["peers6"].(string); ok {
		compact, err := parseCompactPeers([]byte(peers6), net.IPv6len)
		if err != nil {
			return nil, err
		}
		resp.Peers = append(resp.Peers, compact...)
	}
	return resp, nil
}

// parseCompactPeers reads ip followed by a big endian port.
func parseCompactPeers(data []byte, ipLen int) ([]Peer, error) {
	size := ipLen + 2
	if len(data)%size != 0 {
		return nil, fmt.Errorf("%w: compact peers length %d", ErrMalformedResponse, len(data))
	}
	peers := make([]Peer, 0, len(data)/size)
	for i := 0; i < len(data); i += size {
		ip := net.IP(append([]byte(nil), data[i:i+ipLen]...))
		port := binary.BigEndian.Uint16(data[i+ipLen : i+size])
		peers = append(peers, Peer{Addr: net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))})
	}
	return peers, nil
}

func parseDictPeer(v interface{}) (Peer, error) {
	dict, ok := v.(map[string]interface{})
	if !ok {
		return Peer{}, fmt.Errorf("%w: peer entry", ErrMalformedResponse)
	}
	ip, ok := dict["ip"].(string)
	if !ok {
		return Peer{}, fmt.Errorf("%w: peer without ip", ErrMalformedResponse)
	}
	port, ok := dict["port"].(int64)
	if !ok || port <= 0 || port > 65535 {
		return Peer{}, fmt.Errorf("%w: peer port", ErrMalformedResponse)
	}
	peer := Peer{Addr: net.JoinHostPort(ip, strconv.FormatInt(port, 10))}
	if id, ok := dict["peer id"].(string); ok && len(id) == 20 {
		peer.ID = []byte(id)
	}
	return peer, nil
}
