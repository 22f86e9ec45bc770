package adapter

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/station-recovery/internal/circuitbreaker"
	"github.com/station-recovery/internal/config"
	"github.com/station-recovery/internal/errors"
	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/types"
)

const (
	telemetryProvider    = "telemetry"
	telemetrySuccessCode = "SUCCESS"
	stationsPath         = "/openapi/stream/stations"
	dynamicInfoPath      = "/openapi/stream/stations/dynamic-info"
	stationStatusActive  = 1
)

// TelemetryClient reads the station directory and live connectivity from
// the telemetry feed. Every request carries an HMAC signature.
type TelemetryClient struct {
	baseURL   string
	accessKey string
	secretKey string
	pageSize  int
	client    *http.Client
	breaker   *circuitbreaker.CircuitBreaker
	logger    *logging.Logger
	now       func() time.Time
}

// NewTelemetryClient creates a new telemetry feed client
func NewTelemetryClient(cfg *config.TelemetryConfig, logger *logging.Logger) *TelemetryClient {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 9999
	}
	return &TelemetryClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		pageSize:  pageSize,
		client:    &http.Client{Timeout: timeout},
		breaker:   circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig(telemetryProvider), logger),
		logger:    logger.WithComponent("telemetry_client"),
		now:       time.Now,
	}
}

var (
	_ SnapshotSource   = (*TelemetryClient)(nil)
	_ StationDirectory = (*TelemetryClient)(nil)
)

// telemetryResponse is the feed's common envelope
type telemetryResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// telemetryStation is one directory record
type telemetryStation struct {
	ID                 flexString `json:"id"`
	StationName        string     `json:"stationName"`
	IdentificationName string     `json:"identificationName"`
	StationType        string     `json:"stationType"`
	ReceiverType       string     `json:"receiverType"`
	AntennaType        string     `json:"antennaType"`
	AntennaHigh        float64    `json:"antennaHigh"`
	Lat                float64    `json:"lat"`
	Lng                float64    `json:"lng"`
	Status             int        `json:"status"`
}

type telemetryStationPage struct {
	Records []telemetryStation `json:"records"`
	Total   int                `json:"total"`
}

// telemetryDynamicInfo is the live state of one station
type telemetryDynamicInfo struct {
	StationID     flexString     `json:"stationId"`
	ConnectStatus int            `json:"connectStatus"`
	EpochTime     int64          `json:"epochTime"`
	Delay         float64        `json:"delay"`
	SatesMap      map[string]int `json:"satesMap"`
}

// flexString accepts a JSON string or number
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// FetchStations returns the full station directory, paging until a short page
func (c *TelemetryClient) FetchStations(ctx context.Context) ([]*models.Station, error) {
	var stations []*models.Station
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("page", strconv.Itoa(page))
		query.Set("size", strconv.Itoa(c.pageSize))

		var result telemetryStationPage
		if err := c.do(ctx, http.MethodGet, stationsPath, query, nil, &result); err != nil {
			return nil, err
		}

		for _, rec := range result.Records {
			if rec.ID == "" {
				continue
			}
			stations = append(stations, &models.Station{
				ID:                 string(rec.ID),
				Name:               rec.StationName,
				IdentificationName: rec.IdentificationName,
				StationType:        rec.StationType,
				ReceiverType:       rec.ReceiverType,
				AntennaType:        rec.AntennaType,
				AntennaHeight:      rec.AntennaHigh,
				Lat:                rec.Lat,
				Lng:                rec.Lng,
				IsActive:           rec.Status == stationStatusActive,
			})
		}

		if len(result.Records) < c.pageSize {
			break
		}
	}

	c.logger.WithField("stations", len(stations)).Debug("Fetched station directory")
	return stations, nil
}

// FetchSnapshots returns the live connectivity of the given stations
func (c *TelemetryClient) FetchSnapshots(ctx context.Context, stationIDs []string) ([]models.ConnectivitySnapshot, error) {
	if len(stationIDs) == 0 {
		return nil, nil
	}

	var infos []telemetryDynamicInfo
	body := map[string]interface{}{"ids": stationIDs}
	if err := c.do(ctx, http.MethodPost, dynamicInfoPath, nil, body, &infos); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	snapshots := make([]models.ConnectivitySnapshot, 0, len(infos))
	for _, info := range infos {
		if info.StationID == "" {
			continue
		}
		snapshots = append(snapshots, models.ConnectivitySnapshot{
			StationID:     string(info.StationID),
			ConnectStatus: types.ParseConnectStatus(info.ConnectStatus),
			ObservedAt:    epochToTime(info.EpochTime, now),
			DelaySeconds:  info.Delay,
			Satellites:    info.SatesMap,
		})
	}
	return snapshots, nil
}

// epochToTime accepts seconds or milliseconds; zero falls back to now
func epochToTime(epoch int64, now time.Time) time.Time {
	switch {
	case epoch <= 0:
		return now
	case epoch > 1e12:
		return time.UnixMilli(epoch).UTC()
	default:
		return time.Unix(epoch, 0).UTC()
	}
}

func (c *TelemetryClient) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.send(ctx, method, path, query, body, out)
	})
}

func (c *TelemetryClient) send(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.signHeaders(req, method, path)

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.NewUpstreamError(telemetryProvider, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.NewUpstreamError(telemetryProvider, fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.NewUpstreamError(telemetryProvider, fmt.Errorf("%s %s: http status %d", method, path, resp.StatusCode))
	}

	var envelope telemetryResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return errors.NewUpstreamError(telemetryProvider, fmt.Errorf("failed to decode response: %w", err))
	}
	if envelope.Code != telemetrySuccessCode {
		return errors.NewUpstreamError(telemetryProvider, fmt.Errorf("%s %s: code %s: %s", method, path, envelope.Code, envelope.Msg))
	}

	if out != nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return errors.NewUpstreamError(telemetryProvider, fmt.Errorf("failed to decode data: %w", err))
		}
	}
	return nil
}

func (c *TelemetryClient) signHeaders(req *http.Request, method, path string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Access-Key", c.accessKey)
	req.Header.Set("X-Nonce", newNonce())
	req.Header.Set("X-Timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	req.Header.Set("X-Sign-Method", "HmacSHA256")
	req.Header.Set("Sign", SignRequest(method, path, req.Header, c.secretKey))
}

func newNonce() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
