package p2pnet

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/klingon-exchange/klingvault/internal/record"
)

// PutProtocol is the stream protocol a peer uses to submit a client PUT
// directly to this node, grounded on internal/node/stream_handler.go's
// length-prefixed framing (retargeted from swap messages to PUT records).
const PutProtocol protocol.ID = "/klingvault/put/1.0.0"

const maxPutMessageSize = 8 << 20 // 8 MiB, matching a chunk's max size

// ClientPutHandler is the narrow slice of putcore.Router the PUT stream
// handler depends on.
type ClientPutHandler interface {
	ValidateAndStoreFromClient(ctx context.Context, rec record.Record) error
}

type putResponse struct {
	Error string
}

// ServePutProtocol registers a stream handler that accepts client PUTs over
// PutProtocol and dispatches them to handler.
func (n *Node) ServePutProtocol(handler ClientPutHandler) {
	n.host.SetStreamHandler(PutProtocol, func(s network.Stream) {
		n.handlePutStream(s, handler)
	})
}

// StopPutProtocol unregisters the PUT stream handler.
func (n *Node) StopPutProtocol() {
	n.host.RemoveStreamHandler(PutProtocol)
}

func (n *Node) handlePutStream(s network.Stream, handler ClientPutHandler) {
	defer s.Close()

	remote := s.Conn().RemotePeer()
	s.SetDeadline(time.Now().Add(30 * time.Second))

	reader := bufio.NewReader(s)
	msg, err := readLengthPrefixed(reader)
	if err != nil {
		n.log.Warn("failed to read PUT stream", "peer", shortID(remote), "error", err)
		return
	}

	var rec record.Record
	if err := gob.NewDecoder(bytes.NewReader(msg)).Decode(&rec); err != nil {
		n.log.Warn("failed to decode PUT record", "peer", shortID(remote), "error", err)
		writePutResponse(s, err)
		return
	}

	err = handler.ValidateAndStoreFromClient(n.ctx, rec)
	if err != nil {
		n.log.Warn("rejected client PUT", "peer", shortID(remote), "key", rec.Key.Hex(), "error", err)
	}
	writePutResponse(s, err)
}

func writePutResponse(w io.Writer, err error) {
	resp := putResponse{}
	if err != nil {
		resp.Error = err.Error()
	}
	var buf bytes.Buffer
	if encErr := gob.NewEncoder(&buf).Encode(resp); encErr != nil {
		return
	}
	writeLengthPrefixed(w, buf.Bytes())
}

// SubmitPut opens a stream to peerID and submits rec as a client PUT,
// returning the remote node's validation error, if any.
func (n *Node) SubmitPut(ctx context.Context, peerID peer.ID, rec record.Record) error {
	s, err := n.host.NewStream(ctx, peerID, PutProtocol)
	if err != nil {
		return fmt.Errorf("p2pnet: open PUT stream: %w", err)
	}
	defer s.Close()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("p2pnet: encode PUT record: %w", err)
	}
	if err := writeLengthPrefixed(s, buf.Bytes()); err != nil {
		return fmt.Errorf("p2pnet: send PUT record: %w", err)
	}

	s.SetDeadline(time.Now().Add(30 * time.Second))
	reader := bufio.NewReader(s)
	respBytes, err := readLengthPrefixed(reader)
	if err != nil {
		return fmt.Errorf("p2pnet: read PUT response: %w", err)
	}

	var resp putResponse
	if err := gob.NewDecoder(bytes.NewReader(respBytes)).Decode(&resp); err != nil {
		return fmt.Errorf("p2pnet: decode PUT response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("remote rejected PUT: %s", resp.Error)
	}
	return nil
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	if length > maxPutMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxPutMessageSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return data, nil
}

func writeLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) > maxPutMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxPutMessageSize)
	}
	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
