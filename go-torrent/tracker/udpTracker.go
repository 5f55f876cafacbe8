package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"
)

// BEP 0015 - UDP Tracker Protocol for BitTorrent

const (
	PROTOCOL_ID     = int64(0x41727101980)
	ACTION_CONNECT  = int32(0)
	ACTION_ANNOUNCE = int32(1)
	ACTION_ERROR    = int32(3)
	MAX_DATAGRAM    = 2048
)

var UDP_TIMEOUT = 15 * time.Second

func (tr *tracker) queryUDPTracker(ctx context.Context, u *url.URL, event Event) (*Response, error) {
	var d net.Dialer
	trackerConn, err := d.DialContext(ctx, "udp", u.Host)
	if err != nil {
		return nil, err
	}
	defer trackerConn.Close()

	deadline := time.Now().Add(UDP_TIMEOUT)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := trackerConn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		trackerConn.SetDeadline(time.Now())
	})
	defer stop()

	connectionID, err := connectUDP(trackerConn)
	if err != nil {
		return nil, err
	}
	return tr.announceUDP(trackerConn, event, connectionID)
}

// roundTrip sends one request and returns the response payload after the
// action and transaction id were checked.
func roundTrip(trackerConn net.Conn, request []byte, action, transactionID int32) ([]byte, error) {
	if _, err := trackerConn.Write(request); err != nil {
		return nil, err
	}
	data := make([]byte, MAX_DATAGRAM)
	n, err := trackerConn.Read(data)
	if err != nil {
		return nil, err
	}
	data = data[:n]
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d byte datagram", ErrMalformedResponse, len(data))
	}
	actionResp := int32(binary.BigEndian.Uint32(data[0:4]))
	transactionIDResp := int32(binary.BigEndian.Uint32(data[4:8]))
	if transactionIDResp != transactionID {
		return nil, fmt.Errorf("%w: transaction id mismatch", ErrMalformedResponse)
	}
	if actionResp == ACTION_ERROR {
		return nil, fmt.Errorf("tracker failure: %s", data[8:])
	}
	if actionResp != action {
		return nil, fmt.Errorf("%w: action %d, want %d", ErrMalformedResponse, actionResp, action)
	}
	return data[8:], nil
}

func connectUDP(trackerConn net.Conn) (int64, error) {
	connectRequest := &bytes.Buffer{}
	transactionID := rand.Int31()
	binary.Write(connectRequest, binary.BigEndian, PROTOCOL_ID)
	binary.Write(connectRequest, binary.BigEndian, ACTION_CONNECT)
	binary.Write(connectRequest, binary.BigEndian, transactionID)

	payload, err := roundTrip(trackerConn, connectRequest.Bytes(), ACTION_CONNECT, transactionID)
	if err != nil {
		return 0, fmt.Errorf("connect: %w", err)
	}
	if len(payload) < 8 {
		return 0, fmt.Errorf("connect: %w: short connection id", ErrMalformedResponse)
	}
	return int64(binary.BigEndian.Uint64(payload[:8])), nil
}

func (tr *tracker) announceUDP(trackerConn net.Conn, event Event, connectionID int64) (*Response, error) {
	announceRequest := &bytes.Buffer{}
	transactionID := rand.Int31()
	binary.Write(announceRequest, binary.BigEndian, connectionID)
	binary.Write(announceRequest, binary.BigEndian, ACTION_ANNOUNCE)
	binary.Write(announceRequest, binary.BigEndian, transactionID)
	binary.Write(announceRequest, binary.BigEndian, tr.infoHash)
	binary.Write(announceRequest, binary.BigEndian, tr.peerID)
	uploaded, downloaded, left := tr.totals()
	binary.Write(announceRequest, binary.BigEndian, downloaded)
	binary.Write(announceRequest, binary.BigEndian, left)
	binary.Write(announceRequest, binary.BigEndian, uploaded)
	binary.Write(announceRequest, binary.BigEndian, int32(event))
	binary.Write(announceRequest, binary.BigEndian, uint32(0)) // default ip
	binary.Write(announceRequest, binary.BigEndian, tr.key)
	binary.Write(announceRequest, binary.BigEndian, tr.numwant)
	binary.Write(announceRequest, binary.BigEndian, tr.port)

	payload, err := roundTrip(trackerConn, announceRequest.Bytes(), ACTION_ANNOUNCE, transactionID)
	if err != nil {
		return nil, fmt.Errorf("announce: %w", err)
	}
	if len(payload) < 12 {
		return nil, fmt.Errorf("announce: %w: short response", ErrMalformedResponse)
	}
	resp := &Response{
		Interval: time.Duration(binary.BigEndian.Uint32(payload[0:4])) * time.Second,
		Leechers: int(binary.BigEndian.Uint32(payload[4:8])),
		Seeders:  int(binary.BigEndian.Uint32(payload[8:12])),
	}
	if resp.Interval <= 0 {
		resp.Interval = DEFAULT_INTERVAL
	}
	resp.Peers, err = parseCompactPeers(payload[12:], net.IPv4len)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
