// Package main lists the relays visible to the device control account and
// optionally switches one channel, for checking credentials and wiring in the field.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/station-recovery/internal/adapter"
	"github.com/station-recovery/internal/config"
	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/ratelimit"
	"github.com/station-recovery/internal/storage"
	"github.com/station-recovery/internal/types"
)

func main() {
	var (
		deviceID = flag.String("device", "", "Device to switch (omit to only list)")
		channel  = flag.Int("channel", 1, "Channel number: 1 (power) or 2 (kick)")
		state    = flag.String("state", "", "Target state: on, off")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))

	opts := []adapter.DeviceClientOption{adapter.WithLogger(logger)}

	// Reuse the shared token pair and call budget when Redis is configured
	var tokens adapter.TokenStore = storage.NewMemoryTokenStore()
	if cfg.Database.Redis.Enabled {
		redis, err := storage.NewRedisClient(&cfg.Database.Redis)
		if err != nil {
			fmt.Printf("Warning: Redis unavailable, logging in directly: %v\n", err)
		} else {
			defer redis.Close()
			tokens = storage.NewRedisTokenStore(redis)
			if cfg.Device.CallBudget > 0 {
				budget, err := ratelimit.NewCallBudget(&ratelimit.CallBudgetConfig{
					Redis:      redis.Client(),
					Total:      cfg.Device.CallBudget,
					Reserved:   cfg.Device.CallBudgetReserve,
					WindowSize: cfg.Device.CallBudgetWindow,
				})
				if err == nil {
					opts = append(opts, adapter.WithCallBudget(budget))
				}
			}
		}
	}

	client := adapter.NewDeviceClient(&cfg.Device, tokens, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	ctx = ratelimit.WithPriority(ctx, ratelimit.PriorityLow)

	if *deviceID != "" && *state != "" {
		outlet, err := types.OutletForChannel(*channel)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		target, ok := types.ParseChannelState(*state)
		if !ok {
			fmt.Printf("Error: invalid state %q\n", *state)
			os.Exit(1)
		}

		fmt.Printf("Switching %s ch%d %s...\n", *deviceID, *channel, target)
		if err := client.SetChannel(ctx, *deviceID, outlet, target); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("OK")
		fmt.Println()
	}

	devices, err := client.ListDevices(ctx)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Found %d devices\n\n", len(devices))
	fmt.Printf("%-24s %-24s %-7s %-5s %-5s\n", "DEVICE", "NAME", "ONLINE", "CH1", "CH2")
	for _, d := range devices {
		fmt.Printf("%-24s %-24s %-7t %-5s %-5s\n",
			d.DeviceID, d.Name, d.Online,
			channelLabel(d.ChannelState(types.OutletPower)),
			channelLabel(d.ChannelState(types.OutletKick)),
		)
	}
}

func channelLabel(state types.ChannelState, ok bool) string {
	if !ok {
		return "-"
	}
	return string(state)
}
