package registry

import (
	"fmt"
	"strings"
	"time"

	record "github.com/libp2p/go-libp2p-record"
	"github.com/mezonai/blockswarm/jsonx"
)

// Namespace is the DHT key namespace presence values live under.
const Namespace = "blockswarm"

// presenceValue is the DHT value stored under one block uid: every server
// known to the last writer, keyed by peer id.
type presenceValue struct {
	Servers   map[string]ServerInfo `json:"servers"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// DHTKey maps a block uid to its DHT key.
func DHTKey(uid string) string {
	return "/" + Namespace + "/" + uid
}

// PresenceValidator accepts well-formed presence values and, when peers hold
// different versions, prefers the most recently written one.
type PresenceValidator struct{}

var _ record.Validator = PresenceValidator{}

func (PresenceValidator) Validate(key string, value []byte) error {
	if !strings.HasPrefix(key, "/"+Namespace+"/") || len(key) == len(Namespace)+2 {
		return fmt.Errorf("key %q is outside namespace %s", key, Namespace)
	}
	_, err := decodePresenceValue(value)
	return err
}

func (PresenceValidator) Select(key string, values [][]byte) (int, error) {
	best := -1
	var bestAt time.Time
	for i, raw := range values {
		v, err := decodePresenceValue(raw)
		if err != nil {
			continue
		}
		if best == -1 || v.UpdatedAt.After(bestAt) {
			best, bestAt = i, v.UpdatedAt
		}
	}
	if best == -1 {
		return 0, fmt.Errorf("no valid presence value for %s", key)
	}
	return best, nil
}

func decodePresenceValue(raw []byte) (*presenceValue, error) {
	var v presenceValue
	if err := jsonx.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("malformed presence value: %w", err)
	}
	if v.UpdatedAt.IsZero() {
		return nil, fmt.Errorf("presence value has no update time")
	}
	for peerID, info := range v.Servers {
		if peerID == "" {
			return nil, fmt.Errorf("presence value has an empty peer id")
		}
		if info.State < OFFLINE || info.State > ONLINE {
			return nil, fmt.Errorf("peer %s has unknown state %d", peerID, info.State)
		}
		if info.ExpiresAt.IsZero() {
			return nil, fmt.Errorf("peer %s has no expiry", peerID)
		}
	}
	return &v, nil
}
