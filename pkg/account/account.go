// Package account owns the set of known devices for a StarLine user and keeps it in sync
// with the backend.
//
// An Account polls the full device listing, merges command acknowledgments and OBD
// telemetry into the cached [device.Device] records, and signals subscribers after every
// state-changing sync. It holds the SLNet session credential obtained from [auth] but does
// not refresh it; rotate credentials with SetUserID and SetSessionToken after
// re-authenticating, the cached records survive the swap.
package account

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/starline/starline-go/internal/log"
	"github.com/starline/starline-go/pkg/device"
	"github.com/starline/starline-go/pkg/protocol"
	"github.com/starline/starline-go/pkg/transport"
)

// DefaultHost serves the device-data and command endpoints.
const DefaultHost = "developer.starline.ru"

// Account is the device registry and synchronizer for one user. Methods are safe for
// concurrent use; registry state only changes after a response has parsed successfully.
type Account struct {
	// Host can be overridden for testing.
	Host string

	client *transport.Client

	mu        sync.Mutex
	userID    string
	token     string
	devices   map[string]*device.Device
	available bool
	listeners []*listener
}

type listener struct {
	fn func()
}

// New returns an Account for the given user, authenticated by an SLNet session token.
func New(client *transport.Client, userID, token string) *Account {
	return &Account{
		Host:    DefaultHost,
		client:  client,
		userID:  userID,
		token:   token,
		devices: make(map[string]*device.Device),
	}
}

// SetUserID replaces the user id after a re-authentication.
func (a *Account) SetUserID(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userID = userID
}

// SetSessionToken replaces the SLNet session token after a re-authentication.
func (a *Account) SetSessionToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = token
}

// Available reports whether the most recent listing fetch returned devices.
func (a *Account) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available
}

// Devices returns the known device records, keyed by device id.
func (a *Account) Devices() map[string]*device.Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]*device.Device, len(a.devices))
	for id, d := range a.devices {
		out[id] = d
	}
	return out
}

// Device returns the record for one device id.
func (a *Account) Device(id string) (*device.Device, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.devices[id]
	return d, ok
}

// Subscribe registers fn to run synchronously after every successful Sync or SetCarState.
// The returned function removes exactly this registration; duplicate registrations of the
// same callback get independent handles.
func (a *Account) Subscribe(fn func()) (unsubscribe func()) {
	l := &listener{fn: fn}
	a.mu.Lock()
	a.listeners = append(a.listeners, l)
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, registered := range a.listeners {
			if registered == l {
				a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
				return
			}
		}
	}
}

// notify runs subscribers in registration order, outside the registry lock. A panicking
// subscriber is logged and isolated so it cannot starve the others.
func (a *Account) notify() {
	a.mu.Lock()
	snapshot := make([]*listener, len(a.listeners))
	copy(snapshot, a.listeners)
	a.mu.Unlock()

	for _, l := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("update listener panicked: %v", r)
				}
			}()
			l.fn()
		}()
	}
}

// Sync fetches the full device listing (owned and shared devices) and replaces every known
// attribute of each listed device. A failed or empty fetch marks the registry unavailable
// but leaves existing records untouched; devices missing from a non-empty listing are
// flagged stale rather than pruned. Subscribers are notified exactly once per call.
func (a *Account) Sync(ctx context.Context) error {
	payloads, err := a.userInfo(ctx)
	if err != nil || len(payloads) == 0 {
		a.mu.Lock()
		a.available = false
		a.mu.Unlock()
		a.notify()
		return err
	}

	a.mu.Lock()
	a.available = true
	seen := make(map[string]bool, len(payloads))
	for _, payload := range payloads {
		id := toString(payload["device_id"])
		if id == "" {
			continue
		}
		d, ok := a.devices[id]
		if !ok {
			d = &device.Device{}
			a.devices[id] = d
		}
		d.Update(payload)
		d.SetStale(false)
		seen[id] = true
	}
	for id, d := range a.devices {
		if !seen[id] {
			d.SetStale(true)
		}
	}
	a.mu.Unlock()

	a.notify()
	return nil
}

func (a *Account) userInfo(ctx context.Context) ([]map[string]interface{}, error) {
	a.mu.Lock()
	u := fmt.Sprintf("https://%s/json/v2/user/%s/user_info", a.Host, a.userID)
	header := a.cookieLocked()
	a.mu.Unlock()

	data, rsp, err := a.client.Get(ctx, u, nil, header)
	if err != nil {
		return nil, fmt.Errorf("fetching user info: %w", err)
	}
	if code := toInt(data["code"]); code != http.StatusOK {
		return nil, &protocol.ResponseError{Code: code, Body: rsp.Body}
	}

	var payloads []map[string]interface{}
	for _, key := range []string{"devices", "shared_devices"} {
		list, _ := data[key].([]interface{})
		for _, item := range list {
			if payload, ok := item.(map[string]interface{}); ok {
				payloads = append(payloads, payload)
			}
		}
	}
	return payloads, nil
}

// SyncOBD fetches OBD telemetry for every known device. When the reported fault count is
// positive, the detailed fault list is fetched separately and spliced into the payload
// before it is merged. A failure on one device is logged and skipped; it never aborts the
// batch. No-op while the registry is unavailable.
func (a *Account) SyncOBD(ctx context.Context) error {
	a.mu.Lock()
	if !a.available {
		a.mu.Unlock()
		return nil
	}
	devices := make(map[string]*device.Device, len(a.devices))
	for id, d := range a.devices {
		devices[id] = d
	}
	host := a.Host
	header := a.cookieLocked()
	a.mu.Unlock()

	for id, d := range devices {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		u := fmt.Sprintf("https://%s/json/v1/device/%s/obd_params", host, id)
		data, _, err := a.client.Get(ctx, u, nil, header)
		if err != nil {
			log.Warning("obd sync skipped for device %s: %s", id, err)
			continue
		}
		if code := toInt(data["code"]); code != http.StatusOK {
			log.Warning("obd sync skipped for device %s: status %d", id, code)
			continue
		}
		params, _ := data["obd_params"].(map[string]interface{})
		if params == nil {
			log.Warning("obd sync skipped for device %s: no obd_params in response", id)
			continue
		}
		if faults, _ := params["errors"].(map[string]interface{}); faults != nil && toInt(faults["val"]) > 0 {
			if list, err := a.obdErrors(ctx, host, header, id); err != nil {
				log.Warning("fault list fetch failed for device %s: %s", id, err)
			} else {
				faults["errors"] = list
			}
		}
		d.UpdateOBD(params)
	}
	return nil
}

func (a *Account) obdErrors(ctx context.Context, host string, header http.Header, id string) ([]interface{}, error) {
	u := fmt.Sprintf("https://%s/json/v1/device/%s/obd_errors", host, id)
	data, rsp, err := a.client.Get(ctx, u, nil, header)
	if err != nil {
		return nil, err
	}
	if code := toInt(data["code"]); code != http.StatusOK {
		return nil, &protocol.ResponseError{Code: code, Body: rsp.Body}
	}
	list, _ := data["obd_errors"].([]interface{})
	return list, nil
}

// SetCarState posts a single named boolean parameter change for a device. On success the
// acknowledged state fragment is partial-merged into the device's state map and
// subscribers are notified; on any failure the cached state is left untouched and the
// caller must not assume the device changed.
func (a *Account) SetCarState(ctx context.Context, deviceID, name string, state bool) (map[string]interface{}, error) {
	a.mu.Lock()
	d, ok := a.devices[deviceID]
	host := a.Host
	header := a.cookieLocked()
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown device %q", deviceID)
	}

	value := 0
	if state {
		value = 1
	}
	log.Debug("setting device %s state: %s=%d", deviceID, name, value)
	u := fmt.Sprintf("https://%s/json/v1/device/%s/set_param", host, deviceID)
	payload := map[string]interface{}{
		"type": name,
		name:   value,
	}
	data, rsp, err := a.client.PostJSON(ctx, u, payload, header)
	if err != nil {
		return nil, err
	}
	if code := toInt(data["code"]); code != http.StatusOK {
		return nil, &protocol.ResponseError{Code: code, Body: rsp.Body}
	}

	d.UpdateCarState(data)
	a.notify()
	return data, nil
}

func (a *Account) cookieLocked() http.Header {
	return http.Header{"Cookie": {"slnet=" + a.token}}
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
}
