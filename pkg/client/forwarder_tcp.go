package client

import (
	"context"
	"net"

	"github.com/ductlabs/duct/internal/protocol"
)

// tcpSinkBuffer bounds how many unconsumed inbound chunks a local TCP
// stream's write sink may queue before routeLocalData's send, and with
// it the tunnel's dispatch loop, blocks.
const tcpSinkBuffer = 32

// handleTCPConnect opens a local connection for a newly announced
// stream and pumps data in both directions until either side closes.
func (t *Tunnel) handleTCPConnect(ctx context.Context, msg protocol.TCPConnect) {
	local, err := net.DialTimeout("tcp", t.config.LocalAddr(), LocalDialTimeout)
	if err != nil {
		t.agent.config.Logger.Error("local dial failed", "stream_id", msg.StreamID, "addr", t.config.LocalAddr(), "error", err)
		t.sendOutbound(protocol.TCPClose{StreamID: msg.StreamID})
		return
	}
	defer local.Close()
	t.agent.config.Metrics.StreamOpened("tcp")

	sink := make(chan []byte, tcpSinkBuffer)
	t.localStreamsMu.Lock()
	t.localStreams[msg.StreamID] = sink
	t.localStreamsMu.Unlock()

	closeStream := func() {
		t.localStreamsMu.Lock()
		if s, ok := t.localStreams[msg.StreamID]; ok {
			delete(t.localStreams, msg.StreamID)
			close(s)
		}
		t.localStreamsMu.Unlock()
	}
	defer closeStream()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for chunk := range sink {
			if _, err := local.Write(chunk); err != nil {
				return
			}
			t.agent.config.Metrics.AddBytes("request", len(chunk))
		}
	}()

	buf := make([]byte, 8*1024)
	for {
		n, err := local.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.sendOutbound(protocol.TCPData{StreamID: msg.StreamID, Data: data})
			t.agent.config.Metrics.AddBytes("response", n)
		}
		if err != nil {
			break
		}
	}

	t.sendOutbound(protocol.TCPClose{StreamID: msg.StreamID})
	local.Close()
	closeStream()
	<-writerDone
}

// routeLocalData delivers server-sent TCPData to the matching local
// stream's write sink, if still open.
func (t *Tunnel) routeLocalData(msg protocol.TCPData) {
	t.localStreamsMu.Lock()
	sink, ok := t.localStreams[msg.StreamID]
	t.localStreamsMu.Unlock()
	if !ok {
		return
	}
	defer func() { recover() }()
	sink <- msg.Data
}

// closeLocalStream tears down the local write sink for a server-closed
// stream; the read side notices on its own when the local connection
// closes.
func (t *Tunnel) closeLocalStream(streamID uint64) {
	t.localStreamsMu.Lock()
	if s, ok := t.localStreams[streamID]; ok {
		delete(t.localStreams, streamID)
		close(s)
	}
	t.localStreamsMu.Unlock()
}
