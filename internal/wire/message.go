// Package wire defines the UDP datagram shapes exchanged between nodes
// and the peer key canonicalization rule shared by every component.
//
// Every datagram is a single JSON object, matching the envelope shape
// gossip/pkg/receiver.go uses for its RPC exchange, adapted here to a
// single discriminated "type" field since UDP has no built-in method
// dispatch the way net/rpc does.
package wire

import (
	"encoding/json"
	"net"
	"strconv"

	"github.com/mcastellin/omnode/internal/errs"
)

// MaxDatagramSize is the largest UDP payload this node will send, chosen
// to stay clear of IP fragmentation on typical MTUs.
const MaxDatagramSize = 1400

// Message types and consensus kinds, as laid out on the wire.
const (
	TypeGossip    = "gossip"
	TypeConsensus = "consensus"

	KindForward = "forward"
	KindReport  = "report"
)

// Envelope is the minimal shape every datagram is first decoded into, to
// discover its type and (for consensus) its kind before deserializing
// into the concrete struct.
type Envelope struct {
	Type string `json:"type"`
	Kind string `json:"kind,omitempty"`
}

// GossipMessage carries a membership heartbeat or a forwarded gossip
// rumor. Path accumulates the peer keys already visited on this branch.
type GossipMessage struct {
	Type string   `json:"type"`
	ID   string   `json:"id"`
	Host string   `json:"host"`
	Port int      `json:"port"`
	Path []string `json:"path"`
}

// ConsensusForward carries a proposed value down the OM recursion tree.
type ConsensusForward struct {
	Type     string   `json:"type"`
	Kind     string   `json:"kind"`
	ID       string   `json:"id"`
	ParentID string   `json:"parentid"`
	OM       int      `json:"om"`
	Index    int      `json:"index"`
	Value    string   `json:"value"`
	Origin   string   `json:"origin"`
	Path     []string `json:"path"`
}

// ConsensusReport carries a resolved child value back up the tree.
type ConsensusReport struct {
	Type     string `json:"type"`
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	ParentID string `json:"parentid"`
	Reporter string `json:"reporter"`
	Value    string `json:"value"`
}

// PeerKey canonicalizes a host and port into the identity string used
// throughout the node: the resolved IP literal joined with the port.
// Hosts that fail to resolve fall back to the literal host string so a
// malformed datagram never panics the caller.
func PeerKey(host string, port int) string {
	ip := net.ParseIP(host)
	if ip == nil {
		if addrs, err := net.LookupHost(host); err == nil && len(addrs) > 0 {
			host = addrs[0]
		}
	} else {
		host = ip.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Decode peeks the envelope type/kind from a raw datagram and returns a
// fully decoded message: either a *GossipMessage, *ConsensusForward, or
// *ConsensusReport. Missing required fields or malformed JSON return a
// *errs.ParseError; the caller must drop silently on error.
func Decode(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.NewParseError("invalid json: " + err.Error())
	}

	switch env.Type {
	case TypeGossip:
		var msg GossipMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, errs.NewParseError("invalid gossip payload: " + err.Error())
		}
		if msg.ID == "" || msg.Host == "" || msg.Port == 0 {
			return nil, errs.NewParseError("gossip message missing required field")
		}
		return &msg, nil

	case TypeConsensus:
		switch env.Kind {
		case KindForward:
			var msg ConsensusForward
			if err := json.Unmarshal(data, &msg); err != nil {
				return nil, errs.NewParseError("invalid forward payload: " + err.Error())
			}
			if msg.ID == "" || msg.Origin == "" || msg.Index < 0 || msg.Index > 4 {
				return nil, errs.NewParseError("forward message missing or invalid required field")
			}
			return &msg, nil
		case KindReport:
			var msg ConsensusReport
			if err := json.Unmarshal(data, &msg); err != nil {
				return nil, errs.NewParseError("invalid report payload: " + err.Error())
			}
			if msg.ParentID == "" {
				return nil, errs.NewParseError("report message missing parentid")
			}
			return &msg, nil
		default:
			return nil, errs.NewParseError("unknown consensus kind: " + env.Kind)
		}

	default:
		return nil, errs.NewParseError("unknown message type: " + env.Type)
	}
}

// Encode serializes any of the wire message types back to JSON. A
// result larger than MaxDatagramSize is rejected with a *errs.ProtocolError
// so callers log and skip the send.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxDatagramSize {
		return nil, errs.NewProtocolError("encoded message of " + strconv.Itoa(len(data)) + " bytes exceeds MaxDatagramSize")
	}
	return data, nil
}
