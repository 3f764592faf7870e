package kafka

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/kafka-coord/kcluster/sasl"
)

// ConnectionBuilder is a pure factory: given a set of seed addresses and
// transport configuration, it produces Broker values bound either to the
// next seed (round-robin) or to a specific node taken from cluster
// metadata. It never dials a socket itself — composing BrokerConfig and
// handing it to the injected NewBroker constructor is the entire job
// (spec.md §4.2).
type ConnectionBuilder struct {
	seeds    []BrokerInfo
	newBroker NewBroker

	tls  *tls.Config
	sasl sasl.Mechanism

	clientID              string
	connectionTimeout     time.Duration
	authenticationTimeout time.Duration
	requestTimeout        time.Duration
	enforceRequestTimeout bool
	maxInFlightRequests  int

	// rr is the teacher's balancer.go RoundRobin, reused as-is to pick the
	// next seed in BuildSeedBroker.
	rr RoundRobin
}

// ConnectionBuilderConfig collects the transport configuration every
// Broker built by a ConnectionBuilder shares, mirroring the Config fields
// spec.md §6 lists under "consumed from configuration".
type ConnectionBuilderConfig struct {
	Seeds                 []string
	NewBroker             NewBroker
	TLS                   *tls.Config
	SASL                  sasl.Mechanism
	ClientID              string
	ConnectionTimeout     time.Duration
	AuthenticationTimeout time.Duration
	RequestTimeout        time.Duration
	EnforceRequestTimeout bool
	MaxInFlightRequests   int
}

// NewConnectionBuilder parses the seed address list and composes a
// ConnectionBuilder from the given configuration. Seeds are given nodeId
// -1, since a seed's true nodeId is only known once it answers a metadata
// request and the cluster it bootstraps from may not even include it
// (spec.md §4.4: "seed may not appear in the cluster").
func NewConnectionBuilder(config ConnectionBuilderConfig) (*ConnectionBuilder, error) {
	seeds := make([]BrokerInfo, 0, len(config.Seeds))
	for _, addr := range config.Seeds {
		host, port, err := splitHostPort(addr)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, BrokerInfo{NodeID: -1, Host: host, Port: port})
	}

	return &ConnectionBuilder{
		seeds:                 seeds,
		newBroker:             config.NewBroker,
		tls:                   config.TLS,
		sasl:                  config.SASL,
		clientID:              config.ClientID,
		connectionTimeout:     config.ConnectionTimeout,
		authenticationTimeout: config.AuthenticationTimeout,
		requestTimeout:        config.RequestTimeout,
		enforceRequestTimeout: config.EnforceRequestTimeout,
		maxInFlightRequests:   config.MaxInFlightRequests,
	}, nil
}

// BuildSeedBroker returns a Broker bound to the next seed address in
// round-robin order. Called by BrokerPool.Connect when no broker is
// currently connected.
func (b *ConnectionBuilder) BuildSeedBroker() Broker {
	n := len(b.seeds)
	if n == 0 {
		return nil
	}
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return b.build(b.seeds[b.rr.Balance(nil, indices...)])
}

// BuildBroker returns a Broker bound to a specific node drawn from cluster
// metadata. Called by BrokerPool.FindBroker once it knows the BrokerInfo
// for a nodeId.
func (b *ConnectionBuilder) BuildBroker(info BrokerInfo) Broker {
	return b.build(info)
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid seed address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid seed address %q: %w", addr, err)
	}
	return host, port, nil
}

func (b *ConnectionBuilder) build(info BrokerInfo) Broker {
	return b.newBroker(BrokerConfig{
		Addr:                  info.Addr(),
		NodeID:                info.NodeID,
		Rack:                  info.Rack,
		TLS:                   b.tls,
		SASL:                  b.sasl,
		ClientID:              b.clientID,
		ConnectionTimeout:     b.connectionTimeout,
		AuthenticationTimeout: b.authenticationTimeout,
		RequestTimeout:        b.requestTimeout,
		EnforceRequestTimeout: b.enforceRequestTimeout,
		MaxInFlightRequests:   b.maxInFlightRequests,
	})
}
