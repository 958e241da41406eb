// Hardware device clients, speaking the ASCOM Alpaca REST protocol.
//
// Full Alpaca support (discovery, all optional properties, per-vendor
// quirks) is out of scope — device driver implementations are external
// collaborators, only their interfaces are specified here. AlpacaMount
// below is a minimal client showing the seam: it satisfies the same
// Mount interface as the simulator and nothing in the driver or state
// machine can tell them apart.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/joshwalawender/ObservatoryControlSystem/internal/ob"
)

// AlpacaMount drives a mount over the Alpaca REST API at BaseURL, e.g.
// "http://10.0.0.5:11111/api/v1/telescope/0".
type AlpacaMount struct {
	BaseURL string
	Client  *http.Client
}

// NewAlpacaMount creates an AlpacaMount with a sane default HTTP client
// timeout.
func NewAlpacaMount(baseURL string) *AlpacaMount {
	return &AlpacaMount{BaseURL: baseURL, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (m *AlpacaMount) client() *http.Client {
	if m.Client != nil {
		return m.Client
	}
	return http.DefaultClient
}

func (m *AlpacaMount) put(ctx context.Context, action string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, m.BaseURL+"/"+action,
		bytes.NewBufferString(form.Encode()))
	if err != nil {
		return fmt.Errorf("alpaca PUT %s: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client().Do(req)
	if err != nil {
		return fmt.Errorf("alpaca PUT %s: %w", action, err)
	}
	defer resp.Body.Close()

	var body struct {
		ErrorNumber  int    `json:"ErrorNumber"`
		ErrorMessage string `json:"ErrorMessage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("alpaca PUT %s: decode response: %w", action, err)
	}
	if body.ErrorNumber != 0 {
		return fmt.Errorf("alpaca PUT %s: device error %d: %s", action, body.ErrorNumber, body.ErrorMessage)
	}
	return nil
}

func (m *AlpacaMount) Slew(ctx context.Context, c ob.Coordinate) error {
	form := url.Values{
		"RightAscension": {fmt.Sprintf("%f", c.RADeg/15.0)}, // Alpaca wants hours
		"Declination":    {fmt.Sprintf("%f", c.DecDeg)},
	}
	return m.put(ctx, "slewtocoordinates", form)
}

func (m *AlpacaMount) Park(ctx context.Context) error {
	return m.put(ctx, "park", nil)
}

func (m *AlpacaMount) Unpark(ctx context.Context) error {
	return m.put(ctx, "unpark", nil)
}

func (m *AlpacaMount) AtPark() bool {
	return m.getBool(context.Background(), "atpark")
}

func (m *AlpacaMount) Tracking() bool {
	return m.getBool(context.Background(), "tracking")
}

func (m *AlpacaMount) SetTracking(ctx context.Context, on bool) error {
	return m.put(ctx, "tracking", url.Values{"Tracking": {fmt.Sprintf("%t", on)}})
}

func (m *AlpacaMount) CollectHeaderMetadata() Header {
	return Header{}
}

func (m *AlpacaMount) getBool(ctx context.Context, prop string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.BaseURL+"/"+prop, nil)
	if err != nil {
		return false
	}
	resp, err := m.client().Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	var body struct {
		Value bool `json:"Value"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return body.Value
}
