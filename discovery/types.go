package discovery

import (
	"github.com/pkg/errors"

	badger "github.com/ipfs/go-ds-badger"
	libp2p_dht "github.com/libp2p/go-libp2p-kad-dht"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// DefaultProtocolPrefix keeps the swarm's DHT separate from the public IPFS one.
const DefaultProtocolPrefix = "/blockswarm"

type DHTConfig struct {
	BootNodes       []string
	DataStoreFile   *string
	DiscConcurrency int
	ProtocolPrefix  string
	// Validators registers record validators per key namespace.
	Validators map[string]record.Validator
}

func (opt DHTConfig) GetLibp2pRawOptions() ([]libp2p_dht.Option, error) {
	opts := []libp2p_dht.Option{libp2p_dht.Mode(libp2p_dht.ModeServer)}

	prefix := opt.ProtocolPrefix
	if prefix == "" {
		prefix = DefaultProtocolPrefix
	}
	opts = append(opts, libp2p_dht.ProtocolPrefix(protocol.ID(prefix)))

	if len(opt.BootNodes) > 0 {
		bootOption, err := getBootstrapOption(opt.BootNodes)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to get bootstrap option")
		}
		opts = append(opts, bootOption)
	}

	if opt.DataStoreFile != nil && len(*opt.DataStoreFile) != 0 {
		dsOption, err := getDataStoreOption(*opt.DataStoreFile)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to get data store option")
		}
		opts = append(opts, dsOption)
	}

	// if Concurrency <= 0, it uses default concurrency supplied from libp2p dht
	if opt.DiscConcurrency > 0 {
		opts = append(opts, libp2p_dht.Concurrency(opt.DiscConcurrency))
	}

	for ns, v := range opt.Validators {
		opts = append(opts, libp2p_dht.NamespacedValidator(ns, v))
	}

	return opts, nil
}

func getBootstrapOption(bootNodes []string) (libp2p_dht.Option, error) {
	resolved, err := ResolveAndParseMultiAddrs(bootNodes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse boot nodes")
	}
	return libp2p_dht.BootstrapPeers(resolved...), nil
}

func getDataStoreOption(dataStoreFile string) (libp2p_dht.Option, error) {
	ds, err := badger.NewDatastore(dataStoreFile, nil)
	if err != nil {
		return nil, errors.Wrapf(err,
			"cannot open Badger data store at %s", dataStoreFile)
	}
	return libp2p_dht.Datastore(ds), nil
}
