// Command agent runs one authority's agent: it listens for framed
// transport envelopes, publishes its descriptor to a rendezvous
// registry, and keeps the local journal, budgets, and recovery
// coordinator.
//
// # Configuration File
//
//	listen_addr: ":9000"
//	rendezvous_url: "http://localhost:8080"
//	signing_key: ""        # hex Ed25519 key; generated when empty
//	authority: ""          # 16-byte id; generated when empty
//	device: ""
//	context: ""
//	mode:
//	  kind: 0              # 0 production, 1 testing, 2 simulation
//	  seed: 0
//	postgres:              # omit for in-memory storage
//	  host: localhost
//	  port: 5432
//	  user: aura
//	  password: secret
//	  database: aura
//
// # Usage
//
//	go run ./cmd/agent --config=agent.yaml
//	go run ./cmd/agent --listen=:9000 --rendezvous=http://localhost:8080
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/hxrts/aura-sub037/agent"
	"github.com/hxrts/aura-sub037/cmd/common"
	"github.com/hxrts/aura-sub037/consensus"
	"github.com/hxrts/aura-sub037/services/rendezvous"
	"github.com/hxrts/aura-sub037/transport"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Path to YAML config file")
		listenAddr    = flag.String("listen", "", "TCP listen address for envelopes")
		rendezvousURL = flag.String("rendezvous", "", "Rendezvous registry base URL")
	)
	flag.Parse()

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *rendezvousURL != "" {
		cfg.RendezvousURL = *rendezvousURL
	}

	if err := run(cfg); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfiguration(configPath string) (*common.Config, error) {
	if configPath != "" {
		return common.LoadConfig(configPath)
	}
	return common.DefaultConfig(), nil
}

type console struct{}

func (console) Printf(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

func run(cfg *common.Config) error {
	signingKey, err := common.LoadOrGenerateSigningKey(cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}
	authority, err := common.LoadOrGenerateID(cfg.Authority)
	if err != nil {
		return fmt.Errorf("invalid authority id: %w", err)
	}
	device, err := common.LoadOrGenerateID(cfg.Device)
	if err != nil {
		return fmt.Errorf("invalid device id: %w", err)
	}
	contextId, err := common.LoadOrGenerateID(cfg.Context)
	if err != nil {
		return fmt.Errorf("invalid context id: %w", err)
	}

	store, closeStore, err := common.OpenStore(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer closeStore() //nolint:errcheck

	var opts []agent.Option
	opts = append(opts, agent.WithStore(store), agent.WithConsole(console{}))

	var registryClient *rendezvous.Client
	if cfg.RendezvousURL != "" {
		registryClient = rendezvous.NewClient(cfg.RendezvousURL, signingKey)
		opts = append(opts, agent.WithSender(transport.NewSender(cfg.Transport, registryClient)))
	}

	a, err := agent.New(agent.Config{
		Authority: authority,
		Device:    device,
		Context:   contextId,
		Mode:      cfg.Mode,
		Consensus: consensus.DefaultConfig(),
	}, opts...)
	if err != nil {
		return fmt.Errorf("building agent: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.ListenAddr, err)
	}
	defer listener.Close()

	receiver := transport.NewReceiver(cfg.Transport, func(envelope *transport.TransportEnvelope) {
		if err := a.Deliver(envelope); err != nil {
			fmt.Printf("Dropped envelope from %s: %v\n", envelope.Source, err)
		}
	})
	go func() {
		if err := receiver.Serve(listener); err != nil {
			fmt.Printf("Receiver stopped: %v\n", err)
		}
	}()

	if registryClient != nil {
		descriptor := &transport.Descriptor{
			Context:   contextId,
			Authority: authority,
			Hints: []transport.TransportHint{
				{Kind: transport.HintTcpDirect, Addr: listener.Addr().String()},
			},
		}
		if err := registryClient.Publish(descriptor); err != nil {
			return fmt.Errorf("publishing descriptor: %w", err)
		}
		defer registryClient.Remove(contextId, authority) //nolint:errcheck
	}

	fmt.Printf("Agent %s listening on %s (mode %s)\n", authority, listener.Addr(), cfg.Mode.Kind)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("Shutting down agent...")
	return nil
}
