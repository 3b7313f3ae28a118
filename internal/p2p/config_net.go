package p2p

import (
	"os"
	"strings"
)

// NetConfig carries runtime options for the P2P transport.
type NetConfig struct {
	Enable    bool
	Listen    []string // multiaddrs to listen on; empty => libp2p default
	Bootnodes []string // multiaddrs to dial on start
	NAT       bool     // enable NAT port mapping if available
	// MaxInflight bounds concurrently handled inbound operations.
	MaxInflight int64
}

// ParseBootnodes accepts a comma-separated list or a path to a file with one
// multiaddr per line.
func ParseBootnodes(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	sep := ","
	if fi, err := os.Stat(v); err == nil && !fi.IsDir() {
		if b, err := os.ReadFile(v); err == nil {
			v, sep = string(b), "\n"
		}
	}
	var out []string
	for _, p := range strings.Split(v, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
