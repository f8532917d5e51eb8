// Package registry is the facade over the swarm's shared discovery registry.
// Servers write leased presence records for the blocks they host; servers and
// clients read them back to see who serves what. Records are soft state: an
// absent or expired record means the same as OFFLINE.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxClockSkew is the tolerated clock discrepancy between peers. Leases are
// never shorter than this.
const MaxClockSkew = 5 * time.Second

var (
	// ErrUnavailable wraps failures to reach the registry. Callers retry on
	// their next scheduled tick.
	ErrUnavailable = errors.New("registry unavailable")
	// ErrClosed is returned by a registry after Close.
	ErrClosed = errors.New("registry closed")
)

type ServerState int

const (
	OFFLINE ServerState = iota
	JOINING
	ONLINE
)

func (s ServerState) String() string {
	switch s {
	case OFFLINE:
		return "OFFLINE"
	case JOINING:
		return "JOINING"
	case ONLINE:
		return "ONLINE"
	default:
		return "ServerState(" + strconv.Itoa(int(s)) + ")"
	}
}

// PresenceRecord declares one peer's state for one block until ExpiresAt.
type PresenceRecord struct {
	PeerID     string      `json:"peer_id"`
	BlockUID   string      `json:"block_uid"`
	State      ServerState `json:"state"`
	Throughput float64     `json:"throughput"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// ServerInfo is what a reader learns about one peer serving one block.
type ServerInfo struct {
	State      ServerState `json:"state"`
	Throughput float64     `json:"throughput"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// ModuleInfo lists the live servers of one block uid.
type ModuleInfo struct {
	UID     string
	Servers map[string]ServerInfo
}

// Registry is the narrow put/get contract the server needs from the swarm
// registry. Implementations must be safe for concurrent use.
type Registry interface {
	// PeerID identifies this process in records it writes.
	PeerID() string
	// Put stores records; each replaces the writer's previous record for that uid.
	Put(ctx context.Context, records []PresenceRecord) error
	// Get returns one entry per uid, nil when no record is valid at validAt.
	Get(ctx context.Context, uids []string, validAt time.Time) ([]*ModuleInfo, error)
	// EnsureRunning reconnects if needed; it is idempotent.
	EnsureRunning(ctx context.Context) error
	Close() error
}

// Clock returns the registry's notion of now.
type Clock func() time.Time

// UIDDelimiter separates the model prefix from the block index in a uid.
const UIDDelimiter = "."

// ChainDelimiter separates uids of a chained request.
const ChainDelimiter = " "

// ModuleUID builds the registry key of block index under prefix.
func ModuleUID(prefix string, index int) string {
	return prefix + UIDDelimiter + strconv.Itoa(index)
}

// ModuleUIDs builds uids for indices [start, end).
func ModuleUIDs(prefix string, start, end int) []string {
	uids := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		uids = append(uids, ModuleUID(prefix, i))
	}
	return uids
}

// ParseModuleUID splits a uid back into prefix and block index.
func ParseModuleUID(uid string) (string, int, error) {
	pos := strings.LastIndex(uid, UIDDelimiter)
	if pos <= 0 || pos == len(uid)-1 {
		return "", 0, fmt.Errorf("malformed module uid %q", uid)
	}
	index, err := strconv.Atoi(uid[pos+1:])
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("malformed block index in uid %q", uid)
	}
	return uid[:pos], index, nil
}

// ValidatePrefix rejects prefixes that would make uids ambiguous.
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return errors.New("empty dht prefix")
	}
	if strings.Contains(prefix, UIDDelimiter) || strings.Contains(prefix, ChainDelimiter) || strings.Contains(prefix, "/") {
		return fmt.Errorf("prefix %q must not contain %q, %q or \"/\"", prefix, UIDDelimiter, ChainDelimiter)
	}
	return nil
}

// Declare writes one record per uid with the given state, all expiring at expiresAt.
func Declare(ctx context.Context, reg Registry, uids []string, state ServerState, throughput float64, expiresAt time.Time) error {
	records := make([]PresenceRecord, 0, len(uids))
	for _, uid := range uids {
		records = append(records, PresenceRecord{
			PeerID:     reg.PeerID(),
			BlockUID:   uid,
			State:      state,
			Throughput: throughput,
			ExpiresAt:  expiresAt,
		})
	}
	return reg.Put(ctx, records)
}

// mergeServer keeps the record with the later expiry, which is also the later
// write since every writer uses the same lease length.
func mergeServer(servers map[string]ServerInfo, peerID string, info ServerInfo) {
	if cur, ok := servers[peerID]; ok && cur.ExpiresAt.After(info.ExpiresAt) {
		return
	}
	servers[peerID] = info
}

func liveServers(servers map[string]ServerInfo, validAt time.Time) map[string]ServerInfo {
	live := make(map[string]ServerInfo, len(servers))
	for peerID, info := range servers {
		if info.ExpiresAt.After(validAt) {
			live[peerID] = info
		}
	}
	return live
}
