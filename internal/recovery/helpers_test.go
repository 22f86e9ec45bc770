package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/station-recovery/internal/errors"
	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/types"
)

func relay(id string, power types.ChannelState) *models.Device {
	return &models.Device{
		DeviceID: id,
		Name:     "relay " + id,
		Online:   true,
		Channels: []models.DeviceChannel{
			{Outlet: types.OutletPower, State: power},
			{Outlet: types.OutletKick, State: types.ChannelOff},
		},
	}
}

// fakeDevices is an in-memory relay fleet that records every switch
type fakeDevices struct {
	mu        sync.Mutex
	devices   map[string]*models.Device
	calls     []string
	listCalls int
	failList  error
	failSet   error
	panicList bool
}

func newFakeDevices(devices ...*models.Device) *fakeDevices {
	f := &fakeDevices{devices: make(map[string]*models.Device)}
	for _, d := range devices {
		f.devices[d.DeviceID] = d
	}
	return f
}

func (f *fakeDevices) ListDevices(context.Context) ([]*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	if f.panicList {
		panic("listing exploded")
	}
	if f.failList != nil {
		return nil, f.failList
	}
	out := make([]*models.Device, 0, len(f.devices))
	for _, d := range f.devices {
		c := *d
		c.Channels = append([]models.DeviceChannel(nil), d.Channels...)
		out = append(out, &c)
	}
	return out, nil
}

func (f *fakeDevices) SetChannel(_ context.Context, deviceID string, outlet types.Outlet, state types.ChannelState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failSet != nil {
		return f.failSet
	}
	f.calls = append(f.calls, fmt.Sprintf("ch%d:%s", outlet.Channel(), state))
	if d, ok := f.devices[deviceID]; ok {
		d.SetChannelState(outlet, state)
	}
	return nil
}

func (f *fakeDevices) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDevices) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeDevices) setOnline(deviceID string, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[deviceID].Online = online
}

func apiFailure(deviceID string) error {
	return errors.NewDeviceAPIError(deviceID, "set_channel", 4002, fmt.Errorf("vendor rejected switch"))
}

// fakeClock advances only when slept on
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	onSleep func(d time.Duration)
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	hook := c.onSleep
	c.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}
