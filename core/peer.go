// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package core

import (
	"fmt"
	"net"
	"sort"
)

// Peer identifies a remote BitTorrent endpoint, scoped to a single torrent.
type Peer struct {
	ID   PeerID `json:"peer_id"`
	IP   net.IP `json:"ip"`
	Port int    `json:"port"`

	// Extended denotes whether the remote advertised BEP-10 extended
	// messaging support in its handshake reserved bytes.
	Extended bool `json:"extended"`
}

// NewPeer creates a new Peer.
func NewPeer(id PeerID, ip net.IP, port int, extended bool) *Peer {
	return &Peer{ID: id, IP: ip, Port: port, Extended: extended}
}

// Addr returns the dialable "ip:port" address of p.
func (p *Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// ConnectionKey uniquely identifies a connection to a peer for a given torrent.
type ConnectionKey struct {
	InfoHash InfoHash
	PeerID   PeerID
}

func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s/%s", k.InfoHash, k.PeerID)
}

// Peers groups Peer structs for sorting.
type Peers []*Peer

// Len for sorting.
func (s Peers) Len() int { return len(s) }

// Swap for sorting.
func (s Peers) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

// PeersByPeerID sorts Peers by peer id.
type PeersByPeerID struct{ Peers }

// Less for sorting.
func (s PeersByPeerID) Less(i, j int) bool {
	return s.Peers[i].ID.LessThan(s.Peers[j].ID)
}

// SortedByPeerID returns a copy of peers sorted by peer id.
func SortedByPeerID(peers []*Peer) []*Peer {
	c := make([]*Peer, len(peers))
	copy(c, peers)
	sort.Sort(PeersByPeerID{Peers(c)})
	return c
}
