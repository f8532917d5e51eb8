// Package placement decides which contiguous block range a server should
// host, and whether the swarm has drifted far enough from balance that the
// server should move to a different range.
package placement

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mezonai/blockswarm/registry"
)

// balanceEps keeps a span from re-choosing its own slot because of its own
// contribution, and absorbs float noise in the quality comparison.
const balanceEps = 1e-3

// Span is one peer's contiguous presence in the swarm.
type Span struct {
	PeerID     string
	Start      int
	End        int
	Throughput float64
	State      registry.ServerState
}

func (s *Span) Len() int { return s.End - s.Start }

func (s *Span) moveTo(start int) {
	s.End = start + s.Len()
	s.Start = start
}

// ComputeSpans collapses per-block records into one span per serving peer.
// OFFLINE peers are ignored; JOINING peers count, since they are about to serve.
func ComputeSpans(infos []*registry.ModuleInfo) map[string]*Span {
	spans := make(map[string]*Span)
	for block, info := range infos {
		if info == nil {
			continue
		}
		for _, peerID := range sortedPeers(info.Servers) {
			server := info.Servers[peerID]
			if server.State == registry.OFFLINE {
				continue
			}
			if span, ok := spans[peerID]; ok {
				if block < span.Start {
					span.Start = block
				}
				if block+1 > span.End {
					span.End = block + 1
				}
				continue
			}
			spans[peerID] = &Span{
				PeerID:     peerID,
				Start:      block,
				End:        block + 1,
				Throughput: server.Throughput,
				State:      server.State,
			}
		}
	}
	return spans
}

// BlockThroughputs sums the throughput of every non-OFFLINE server of each block.
func BlockThroughputs(infos []*registry.ModuleInfo, totalBlocks int) []float64 {
	throughputs := make([]float64, totalBlocks)
	for block, info := range infos {
		if info == nil || block >= totalBlocks {
			continue
		}
		for _, server := range info.Servers {
			if server.State != registry.OFFLINE {
				throughputs[block] += server.Throughput
			}
		}
	}
	return throughputs
}

func spanThroughputs(spans map[string]*Span, totalBlocks int) []float64 {
	throughputs := make([]float64, totalBlocks)
	for _, span := range spans {
		addSpan(throughputs, span, span.Throughput)
	}
	return throughputs
}

func addSpan(throughputs []float64, span *Span, amount float64) {
	for i := span.Start; i < span.End && i < len(throughputs); i++ {
		if i >= 0 {
			throughputs[i] += amount
		}
	}
}

// chooseBestStart picks the window of numBlocks whose sorted throughputs are
// lexicographically smallest: it first helps the worst-served block, then the
// next worst, and so on. Ties go to the lowest start.
func chooseBestStart(throughputs []float64, numBlocks int) int {
	best := 0
	var bestKey []float64
	for start := 0; start+numBlocks <= len(throughputs); start++ {
		key := append([]float64(nil), throughputs[start:start+numBlocks]...)
		sort.Float64s(key)
		if bestKey == nil || lexLess(key, bestKey) {
			best, bestKey = start, key
		}
	}
	return best
}

func lexLess(a, b []float64) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func minOf(values []float64) float64 {
	m := math.Inf(1)
	for _, v := range values {
		if v < m {
			m = v
		}
	}
	return m
}

// ChooseBlocks returns the pinned range unchanged, or the range of
// req.NumBlocks blocks that most improves the worst-served blocks given the
// swarm snapshot infos (one entry per block index, nil when unserved).
func ChooseBlocks(totalBlocks int, req Request, infos []*registry.ModuleInfo) (BlockRange, error) {
	if req.Pinned != nil {
		return *req.Pinned, nil
	}
	if err := req.Validate(totalBlocks); err != nil {
		return BlockRange{}, err
	}
	start := chooseBestStart(BlockThroughputs(infos, totalBlocks), req.NumBlocks)
	return BlockRange{Start: start, End: start + req.NumBlocks}, nil
}

// ShouldRehost estimates how much better balanced the swarm could be if this
// peer and then every other peer greedily moved to their best range. It
// returns true when the current worst-block throughput is below quality times
// the achievable one. Pinned servers never move; peers that are not yet
// visible in the snapshot do not either.
func ShouldRehost(totalBlocks int, req Request, infos []*registry.ModuleInfo, ownPeerID string, quality float64, rng *rand.Rand) bool {
	if req.Pinned != nil {
		return false
	}
	if quality > 1.0 {
		return true
	}

	spans := ComputeSpans(infos)
	for peerID, span := range spans {
		if span.Start >= totalBlocks {
			delete(spans, peerID)
		} else if span.End > totalBlocks {
			span.End = totalBlocks
		}
	}
	local, ok := spans[ownPeerID]
	if !ok {
		return false
	}

	throughputs := spanThroughputs(spans, totalBlocks)
	initial := minOf(throughputs)

	addSpan(throughputs, local, -local.Throughput*(1+balanceEps))
	newStart := chooseBestStart(throughputs, local.Len())
	if newStart == local.Start {
		return false
	}
	addSpan(throughputs, local, local.Throughput*balanceEps)
	local.moveTo(newStart)
	addSpan(throughputs, local, local.Throughput)

	peers := sortedSpanPeers(spans)
	for round, moved := 0, true; moved && round < 100; round++ {
		moved = false
		if rng != nil {
			rng.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
		}
		for _, peerID := range peers {
			span := spans[peerID]
			addSpan(throughputs, span, -span.Throughput*(1+balanceEps))
			start := chooseBestStart(throughputs, span.Len())
			addSpan(throughputs, span, span.Throughput*balanceEps)
			if start != span.Start {
				span.moveTo(start)
				moved = true
			}
			addSpan(throughputs, span, span.Throughput)
		}
	}

	achievable := minOf(throughputs)
	if achievable < balanceEps {
		return false
	}
	return initial/achievable < quality-balanceEps
}

func sortedPeers(servers map[string]registry.ServerInfo) []string {
	peers := make([]string, 0, len(servers))
	for peerID := range servers {
		peers = append(peers, peerID)
	}
	sort.Strings(peers)
	return peers
}

func sortedSpanPeers(spans map[string]*Span) []string {
	peers := make([]string, 0, len(spans))
	for peerID := range spans {
		peers = append(peers, peerID)
	}
	sort.Strings(peers)
	return peers
}

// Engine binds a placement request to a model and a balance threshold.
type Engine struct {
	TotalBlocks    int
	Request        Request
	BalanceQuality float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEngine validates req against totalBlocks.
func NewEngine(totalBlocks int, req Request, balanceQuality float64, seed int64) (*Engine, error) {
	if err := req.Validate(totalBlocks); err != nil {
		return nil, err
	}
	return &Engine{
		TotalBlocks:    totalBlocks,
		Request:        req,
		BalanceQuality: balanceQuality,
		rng:            rand.New(rand.NewSource(seed)),
	}, nil
}

func (e *Engine) ChooseBlocks(infos []*registry.ModuleInfo) (BlockRange, error) {
	return ChooseBlocks(e.TotalBlocks, e.Request, infos)
}

func (e *Engine) ShouldRehost(infos []*registry.ModuleInfo, ownPeerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ShouldRehost(e.TotalBlocks, e.Request, infos, ownPeerID, e.BalanceQuality, e.rng)
}

// Jitter returns a uniform random duration in [0, 2*mean), so the mean wait is mean.
func (e *Engine) Jitter(mean time.Duration) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.rng.Float64() * 2 * float64(mean))
}
