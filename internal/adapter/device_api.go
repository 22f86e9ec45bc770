package adapter

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/station-recovery/internal/errors"
	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/retry"
	"github.com/station-recovery/internal/types"
)

const (
	familyPath      = "/v2/family"
	thingsPath      = "/v2/device/thing"
	thingStatusPath = "/v2/device/thing/status"
	thingsPageSize  = 100
	thingTypeDevice = 1
)

var _ DeviceController = (*DeviceClient)(nil)

type familyList struct {
	FamilyList []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"familyList"`
}

type thingList struct {
	ThingList []thingItem `json:"thingList"`
}

type thingItem struct {
	ItemType int       `json:"itemType"`
	ItemData thingData `json:"itemData"`
}

type thingData struct {
	DeviceID     string `json:"deviceid"`
	Name         string `json:"name"`
	ProductModel string `json:"productModel"`
	Online       bool   `json:"online"`
	Family       struct {
		FamilyID string `json:"familyid"`
	} `json:"family"`
	Params struct {
		Switches  []switchState `json:"switches"`
		Voltage   *float64      `json:"voltage_00"`
		Current   *float64      `json:"current_00"`
		ActivePow *float64      `json:"actPow_00"`
	} `json:"params"`
}

type switchState struct {
	Switch string       `json:"switch"`
	Outlet types.Outlet `json:"outlet"`
}

type thingStatusRequest struct {
	Type   int    `json:"type"`
	ID     string `json:"id"`
	Params struct {
		Switches []switchState `json:"switches"`
	} `json:"params"`
}

// ListDevices returns every relay in every family, paging each family
func (c *DeviceClient) ListDevices(ctx context.Context) ([]*models.Device, error) {
	var families familyList
	if err := c.call(ctx, http.MethodGet, familyPath, nil, nil, &families); err != nil {
		if isBudgetDenial(err) {
			return nil, err
		}
		return nil, errors.NewDeviceAPIError("", "list_families", vendorCode(err), err)
	}

	now := c.now().UTC()
	seen := make(map[string]bool)
	var devices []*models.Device

	for _, family := range families.FamilyList {
		for begin := 0; ; begin += thingsPageSize {
			query := url.Values{}
			query.Set("familyid", family.ID)
			query.Set("begin", strconv.Itoa(begin))
			query.Set("num", strconv.Itoa(thingsPageSize))

			var page thingList
			if err := c.call(ctx, http.MethodGet, thingsPath, query, nil, &page); err != nil {
				if isBudgetDenial(err) {
					return nil, err
				}
				return nil, errors.NewDeviceAPIError("", "list_devices", vendorCode(err), err)
			}

			for _, item := range page.ThingList {
				if item.ItemType != thingTypeDevice || item.ItemData.DeviceID == "" || seen[item.ItemData.DeviceID] {
					continue
				}
				seen[item.ItemData.DeviceID] = true
				devices = append(devices, toDevice(item.ItemData, now))
			}

			if len(page.ThingList) < thingsPageSize {
				break
			}
		}
	}

	return devices, nil
}

func toDevice(d thingData, now time.Time) *models.Device {
	device := &models.Device{
		DeviceID:  d.DeviceID,
		Name:      d.Name,
		Model:     d.ProductModel,
		FamilyID:  d.Family.FamilyID,
		Online:    d.Online,
		Voltage:   d.Params.Voltage,
		Current:   d.Params.Current,
		Power:     d.Params.ActivePow,
		UpdatedAt: now,
	}
	for _, sw := range d.Params.Switches {
		if state, ok := types.ParseChannelState(sw.Switch); ok {
			device.SetChannelState(sw.Outlet, state)
		}
	}
	return device
}

// SetChannel switches one outlet, retrying with a fixed delay before
// reporting a DeviceAPICallFailure
func (c *DeviceClient) SetChannel(ctx context.Context, deviceID string, outlet types.Outlet, state types.ChannelState) error {
	req := thingStatusRequest{Type: thingTypeDevice, ID: deviceID}
	req.Params.Switches = []switchState{{Switch: string(state), Outlet: outlet}}

	logger := c.logger.WithFields(map[string]interface{}{
		"deviceId": deviceID,
		"outlet":   int(outlet),
		"state":    string(state),
	})

	cfg := *c.callRetry
	cfg.ShouldRetry = func(err error) bool {
		if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
			return false
		}
		catErr := errors.Categorize(err)
		return catErr.Category != errors.CategoryUpstreamAuth && !isBudgetDenial(err)
	}

	result := retry.Do(ctx, &cfg, func(ctx context.Context, attempt int) error {
		err := c.call(ctx, http.MethodPost, thingStatusPath, nil, req, nil)
		if err != nil {
			logger.WithError(err).WithField("attempt", attempt).Warn("Channel switch failed")
		}
		return err
	})
	if !result.Success {
		if isBudgetDenial(result.LastError) {
			return result.LastError
		}
		return errors.NewDeviceAPIError(deviceID, "set_channel", vendorCode(result.LastError), result.Err())
	}

	logger.Info("Channel switched")
	return nil
}

// isBudgetDenial reports a call refused by the shared call budget
func isBudgetDenial(err error) bool {
	catErr := errors.Categorize(err)
	return catErr != nil && catErr.Category == errors.CategoryRateLimit
}

func vendorCode(err error) int {
	var vendorErr *VendorError
	if stderrors.As(err, &vendorErr) {
		return vendorErr.Code
	}
	return 0
}
