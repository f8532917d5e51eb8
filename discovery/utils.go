package discovery

import (
	"context"
	"strings"
	"time"

	libp2p_peer "github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	madns "github.com/multiformats/go-multiaddr-dns"
)

const resolveTimeout = 10 * time.Second

// ResolveAndParseMultiAddrs turns initial peer strings into dialable AddrInfos.
// Blank entries are skipped and addresses of the same peer are merged.
func ResolveAndParseMultiAddrs(addrStrings []string) ([]libp2p_peer.AddrInfo, error) {
	var mAddrs []ma.Multiaddr
	for _, addrStr := range addrStrings {
		addrStr = strings.TrimSpace(addrStr)
		if addrStr == "" {
			continue
		}
		mAddr, err := ma.NewMultiaddr(addrStr)
		if err != nil {
			return nil, err
		}
		resolved, err := resolveMultiAddr(mAddr)
		if err != nil {
			return nil, err
		}
		mAddrs = append(mAddrs, resolved...)
	}
	if len(mAddrs) == 0 {
		return nil, nil
	}
	return libp2p_peer.AddrInfosFromP2pAddrs(mAddrs...)
}

func resolveMultiAddr(raw ma.Multiaddr) ([]ma.Multiaddr, error) {
	if !madns.Matches(raw) {
		return []ma.Multiaddr{raw}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	return madns.Resolve(ctx, raw)
}
