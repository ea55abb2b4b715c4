// Command nws is a demo/example binary exercising this module's relay
// pool, subscription manager, and NWC client end to end. It is
// scaffolding for manual testing, not an application deliverable (see
// SPEC_FULL.md's Non-goals).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaynet/corepool/cache"
	"github.com/relaynet/corepool/config"
	"github.com/relaynet/corepool/crypto"
	"github.com/relaynet/corepool/event"
	"github.com/relaynet/corepool/nwc"
	"github.com/relaynet/corepool/pool"
	"github.com/relaynet/corepool/subscription"
)

func main() {
	rootCmd := &cobra.Command{Use: "nws"}

	listenCmd := &cobra.Command{Use: "listen", Short: "open a subscription against the configured relays and print matching events", RunE: runListen}
	var listenKinds []int
	var listenAuthors []string
	listenCmd.Flags().IntSliceVarP(&listenKinds, "kind", "k", nil, "event kind to match (repeatable)")
	listenCmd.Flags().StringSliceVarP(&listenAuthors, "author", "a", nil, "author pubkey to match (repeatable)")

	nwcCmd := &cobra.Command{Use: "nwc <method> [params-json]", Short: "issue one NIP-47 wallet-connect RPC call", Args: cobra.RangeArgs(1, 2), RunE: runNWC}

	rootCmd.AddCommand(listenCmd, nwcCmd)
	if err := rootCmd.Execute(); err != nil {
		slog.Error("nws exited with error", "err", err)
	}
}

func buildRuntime(ctx context.Context, cfg *config.RuntimeConfig) (*pool.Pool, *subscription.Manager) {
	c := cache.New(cfg.CacheMaxEvents, func(evt event.Event) (bool, error) { return crypto.Verify(evt) },
		cache.WithRetainRatio(cfg.CacheRetainRatio))

	p := pool.New(pool.WithAckTimeout(cfg.PublishAckTimeout), pool.WithMaxSubsPerRelay(cfg.MaxSubsPerRelay))
	go p.Run(ctx)

	relays := cfg.NostrRelays
	if len(relays) == 0 {
		relays = config.DefaultRelays
	}
	for _, url := range relays {
		_ = p.AddRelay(ctx, url, pool.Metadata{Read: true, Write: true})
	}

	sub := subscription.New(p, c, func(evt event.Event) (bool, error) { return crypto.Verify(evt) },
		subscription.WithMergeCeiling(cfg.MergeCeiling),
		subscription.WithClockSkew(time.Duration(cfg.ClockSkewSeconds)*time.Second))
	go sub.Run(ctx)

	return p, sub
}

func runListen(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig[config.RuntimeConfig]()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx := cmd.Context()
	_, sub := buildRuntime(ctx, cfg)

	kindFlags, _ := cmd.Flags().GetIntSlice("kind")
	authorFlags, _ := cmd.Flags().GetStringSlice("author")

	filter := event.Filter{}
	for _, k := range kindFlags {
		filter.Kinds = append(filter.Kinds, event.Kind(k))
	}
	filter.Authors = authorFlags

	intent, err := sub.Register(event.Filters{filter}, subscription.IntentOptions{
		Deduplicate:       true,
		CacheResults:      true,
		InactivityTimeout: cfg.DefaultInactivityTime,
		MaxBufferSize:     cfg.DefaultIntentBuffer,
		Priority:          subscription.PriorityNormal,
	})
	if err != nil {
		return fmt.Errorf("register intent: %w", err)
	}
	defer sub.Cancel(intent.ID)

	slog.Info("listening for events", "intent", intent.ID)
	for {
		select {
		case evt := <-intent.Events:
			fmt.Printf("%s kind=%d pubkey=%s content=%q\n", evt.ID, evt.Kind, evt.PubKey, evt.Content)
		case <-intent.Done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func runNWC(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig[config.RuntimeConfig]()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx := cmd.Context()
	p, sub := buildRuntime(ctx, cfg)

	relays := cfg.NostrRelays
	if len(relays) == 0 {
		relays = config.DefaultRelays
	}
	client, err := nwc.NewClient(p, sub, cfg.NWCSecretKey, cfg.NWCWalletPubkey, relays,
		nwc.WithResponseTimeout(cfg.RPCResponseTimeout),
		nwc.WithRateLimit(cfg.RateLimitCapacity, cfg.RateLimitWindow))
	if err != nil {
		return fmt.Errorf("build NWC client: %w", err)
	}

	var params any
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
			return fmt.Errorf("parse params json: %w", err)
		}
	}

	result, err := client.Request(ctx, args[0], params)
	if err != nil {
		return fmt.Errorf("NWC request failed: %w", err)
	}
	fmt.Println(string(result))
	return nil
}
