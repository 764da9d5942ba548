package pex

import (
	"bytes"
	"fmt"
	"net"

	bencode "github.com/jackpal/bencode-go"

	"github.com/monzo-labs/torrentcore/core"
)

// ExtensionName is the key a peer's extended-handshake `m` dict uses to
// advertise and negotiate this extension, per BEP-11.
const ExtensionName = "ut_pex"

const (
	flagEncryption byte = 0x01
	flagSeed       byte = 0x02
)

// Encode serializes m into the bencoded ut_pex dictionary format: compact
// 6-byte (IPv4) or 18-byte (IPv6) peer entries, plus a parallel flag byte
// per peer in "added.f".
func Encode(m Message) ([]byte, error) {
	dict := make(map[string]interface{})

	added4, added6, flags4, flags6 := packPeers(m.Added)
	if len(added4) > 0 {
		dict["added"] = string(added4)
		dict["added.f"] = string(flags4)
	}
	if len(added6) > 0 {
		dict["added6"] = string(added6)
		dict["added6.f"] = string(flags6)
	}

	dropped4, dropped6, _, _ := packPeers(m.Dropped)
	if len(dropped4) > 0 {
		dict["dropped"] = string(dropped4)
	}
	if len(dropped6) > 0 {
		dict["dropped6"] = string(dropped6)
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, dict); err != nil {
		return nil, fmt.Errorf("pex: marshal message: %s", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a bencoded ut_pex dictionary into a Message.
func Decode(payload []byte) (Message, error) {
	v, err := bencode.Decode(bytes.NewReader(payload))
	if err != nil {
		return Message{}, fmt.Errorf("pex: unmarshal message: %s", err)
	}
	raw, ok := v.(map[string]interface{})
	if !ok {
		return Message{}, fmt.Errorf("pex: message is not a bencoded dictionary")
	}

	var m Message
	if s, ok := raw["added"].(string); ok {
		var flags string
		if f, ok := raw["added.f"].(string); ok {
			flags = f
		}
		m.Added = append(m.Added, unpackPeers([]byte(s), []byte(flags), false)...)
	}
	if s, ok := raw["added6"].(string); ok {
		var flags string
		if f, ok := raw["added6.f"].(string); ok {
			flags = f
		}
		m.Added = append(m.Added, unpackPeers([]byte(s), []byte(flags), true)...)
	}
	if s, ok := raw["dropped"].(string); ok {
		m.Dropped = append(m.Dropped, unpackPeers([]byte(s), nil, false)...)
	}
	if s, ok := raw["dropped6"].(string); ok {
		m.Dropped = append(m.Dropped, unpackPeers([]byte(s), nil, true)...)
	}
	return m, nil
}

// packPeers splits peers into IPv4 and IPv6 compact byte strings, with a
// parallel per-peer flag byte stream for each.
func packPeers(peers []core.Peer) (v4, v6, flags4, flags6 []byte) {
	for _, p := range peers {
		ip4 := p.IP.To4()
		var flag byte
		if p.Extended {
			flag |= flagEncryption
		}
		if ip4 != nil {
			v4 = append(v4, ip4...)
			v4 = append(v4, byte(p.Port>>8), byte(p.Port))
			flags4 = append(flags4, flag)
		} else if ip6 := p.IP.To16(); ip6 != nil {
			v6 = append(v6, ip6...)
			v6 = append(v6, byte(p.Port>>8), byte(p.Port))
			flags6 = append(flags6, flag)
		}
	}
	return
}

func unpackPeers(addrs, flags []byte, v6 bool) []core.Peer {
	size := 6
	if v6 {
		size = 18
	}
	var out []core.Peer
	for i := 0; i+size <= len(addrs); i += size {
		ip := net.IP(append([]byte(nil), addrs[i:i+size-2]...))
		port := int(addrs[i+size-2])<<8 | int(addrs[i+size-1])
		var extended bool
		if idx := i / size; idx < len(flags) {
			extended = flags[idx]&flagEncryption != 0
		}
		out = append(out, core.Peer{IP: ip, Port: port, Extended: extended})
	}
	return out
}
