package main

import (
	"fmt"
	"log/slog"

	"github.com/dusen0528/Node-Blue/bridge"
	"github.com/dusen0528/Node-Blue/config"
	"github.com/dusen0528/Node-Blue/errors"
	"github.com/dusen0528/Node-Blue/metric"
	"github.com/dusen0528/Node-Blue/modbus"
	"github.com/dusen0528/Node-Blue/node"
	"github.com/dusen0528/Node-Blue/tcp"
)

// buildFlow constructs every node declared by the flow, wires the pipes,
// and returns the nodes in start order: message consumers first so a
// source never emits into a node that is not yet running.
func buildFlow(flow config.Flow, registry *metric.Registry, logger *slog.Logger) ([]node.Node, error) {
	nodes := make(map[string]node.Node, len(flow.Nodes))
	ordered := make([]node.Node, 0, len(flow.Nodes))

	for _, nc := range flow.Nodes {
		built, err := buildNode(nc, registry, logger)
		if err != nil {
			return nil, err
		}
		nodes[nc.Name] = built
		ordered = append(ordered, built)
	}

	for _, pc := range flow.Pipes {
		if err := wirePipe(pc, nodes); err != nil {
			return nil, err
		}
	}

	sortByStartOrder(ordered)
	return ordered, nil
}

func buildNode(nc config.NodeConfig, registry *metric.Registry, logger *slog.Logger) (node.Node, error) {
	nodeLogger := logger.With("node", nc.Name)

	switch nc.Type {
	case config.TypeTCPListener:
		cfg := tcp.DefaultListenerConfig()
		if err := nc.Decode(&cfg); err != nil {
			return nil, err
		}
		return tcp.NewListener(tcp.ListenerDeps{
			Name: nc.Name, Config: cfg, Registry: registry, Logger: nodeLogger,
		})

	case config.TypeTCPSender:
		var cfg tcp.SenderConfig
		if err := nc.Decode(&cfg); err != nil {
			return nil, err
		}
		return tcp.NewSender(tcp.SenderDeps{
			Name: nc.Name, Config: cfg, Registry: registry, Logger: nodeLogger,
		})

	case config.TypeModbus:
		var cfg modbus.ConnectorConfig
		if err := nc.Decode(&cfg); err != nil {
			return nil, err
		}
		return modbus.NewConnector(modbus.ConnectorDeps{
			Name: nc.Name, Config: cfg, Registry: registry, Logger: nodeLogger,
		})

	case config.TypeBridge:
		var cfg bridge.Config
		if err := nc.Decode(&cfg); err != nil {
			return nil, err
		}
		return bridge.New(bridge.Deps{
			Name: nc.Name, Config: cfg, Registry: registry, Logger: nodeLogger,
		})

	default:
		// Unreachable once config validation has run; kept for safety.
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown node type %q", nc.Type),
			"builder", "buildNode", "type dispatch")
	}
}

func wirePipe(pc config.PipeConfig, nodes map[string]node.Node) error {
	src, ok := nodes[pc.From].(interface{ OutPort() *node.OutPort })
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("node %q has no output to pipe from", pc.From),
			"builder", "wirePipe", "source resolution")
	}

	dests := make([]*node.InPort, 0, len(pc.To))
	for _, name := range pc.To {
		dst, ok := nodes[name].(interface{ InPort() *node.InPort })
		if !ok {
			return errors.WrapInvalid(
				fmt.Errorf("node %q has no input to pipe into", name),
				"builder", "wirePipe", "destination resolution")
		}
		dests = append(dests, dst.InPort())
	}

	node.NewPipe(src.OutPort(), dests...)
	return nil
}

// startRank orders nodes so pure consumers start first and pure producers
// last; transforms sit in between.
func startRank(n node.Node) int {
	_, hasIn := n.(interface{ InPort() *node.InPort })
	_, hasOut := n.(interface{ OutPort() *node.OutPort })
	switch {
	case hasIn && !hasOut:
		return 0
	case hasIn && hasOut:
		return 1
	default:
		return 2
	}
}

func sortByStartOrder(nodes []node.Node) {
	// Insertion sort keeps declaration order within the same rank.
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && startRank(nodes[j]) < startRank(nodes[j-1]); j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}
