// Package device holds the latest known attributes of one StarLine vehicle.
//
// A Device is a passive record owned by the account synchronizer: full syncs replace every
// attribute wholesale, command acknowledgments merge into the boolean state map, and OBD
// polls replace the telemetry payload. Readers may hold a *Device across syncs; all access
// goes through an internal lock so a record is never observed mid-update.
package device

import (
	"math"
	"strconv"
	"sync"
	"time"
)

// Capability names reported in a device's function list.
const (
	FunctionPosition = "position"
	FunctionState    = "state"
)

// Main battery voltage range used for the percent conversion.
const (
	batteryLevelMin = 11.9
	batteryLevelMax = 12.9
)

// GSM signal level range used for the percent conversion.
const (
	gsmLevelMin = 10
	gsmLevelMax = 30
)

// Device is the record for a single vehicle. The zero value is ready for Update.
type Device struct {
	mu sync.RWMutex

	deviceID   string
	imei       string
	alias      string
	phone      string
	fwVersion  string
	typename   string
	status     int
	tsActivity float64
	battery    float64
	ctemp      int
	etemp      int
	gsmLevel   int
	balance    map[string]interface{}
	carState   map[string]bool
	alarmState map[string]bool
	functions  []string
	position   map[string]float64
	obd        map[string]interface{}
	stale      bool
}

// Update replaces every attribute from a full device payload. Absent or mistyped fields
// fall back to their zero values rather than failing: the backend omits optional fields
// freely, and a payload that parsed at all should always produce a usable record. The
// device id is assigned on the first update and never changes afterwards.
func (d *Device) Update(data map[string]interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.deviceID == "" {
		d.deviceID = toString(data["device_id"])
	}
	d.imei = toString(data["imei"])
	d.alias = toString(data["alias"])
	d.phone = toString(data["phone"])
	d.fwVersion = toString(data["fw_version"])
	d.typename = toString(data["typename"])
	d.status = toInt(data["status"])
	d.tsActivity = toFloat(data["ts_activity"])
	d.battery = toFloat(data["battery"])
	d.ctemp = toInt(data["ctemp"])
	d.etemp = toInt(data["etemp"])
	d.gsmLevel = toInt(data["gsm_lvl"])
	d.balance = toMap(data["balance"])
	d.carState = toBoolMap(data["car_state"])
	d.alarmState = toBoolMap(data["car_alr_state"])
	d.functions = toStringSlice(data["functions"])
	d.position = toFloatMap(data["position"])
}

// UpdateCarState merges a partial state fragment from a command acknowledgment. Only keys
// already present in the state map are overwritten; unknown keys are ignored, which keeps
// unrelated response fields (status codes and the like) out of the map.
func (d *Device) UpdateCarState(fragment map[string]interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, value := range fragment {
		if _, known := d.carState[key]; known {
			d.carState[key] = toBool(value)
		}
	}
}

// UpdateOBD replaces the OBD telemetry payload.
func (d *Device) UpdateOBD(data map[string]interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.obd = data
}

// SetStale marks whether the device was absent from the most recent full listing. Stale
// records keep their last known attributes.
func (d *Device) SetStale(stale bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stale = stale
}

func (d *Device) Stale() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stale
}

// ID returns the immutable device identifier.
func (d *Device) ID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.deviceID
}

func (d *Device) IMEI() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.imei
}

// Name returns the user-assigned alias.
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.alias
}

func (d *Device) Phone() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.phone
}

func (d *Device) FirmwareVersion() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fwVersion
}

func (d *Device) TypeName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.typename
}

// Online reports whether the device was reachable at the last sync.
func (d *Device) Online() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status == 1
}

// LastActivity returns the device's last recorded activity.
func (d *Device) LastActivity() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sec, frac := math.Modf(d.tsActivity)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// BatteryLevel returns the main battery voltage.
func (d *Device) BatteryLevel() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.battery
}

// BatteryLevelPercent maps the battery voltage onto 0-100, clamped at the nominal
// discharge and full-charge voltages.
func (d *Device) BatteryLevelPercent() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return levelPercent(d.battery, batteryLevelMin, batteryLevelMax)
}

// TempInner returns the cabin temperature.
func (d *Device) TempInner() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ctemp
}

// TempEngine returns the engine temperature.
func (d *Device) TempEngine() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.etemp
}

// GSMLevel returns the raw GSM signal level, or 0 while the device is offline.
func (d *Device) GSMLevel() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.status != 1 {
		return 0
	}
	return d.gsmLevel
}

// GSMLevelPercent maps the GSM signal level onto 0-100, clamped.
func (d *Device) GSMLevelPercent() int {
	return levelPercent(float64(d.GSMLevel()), gsmLevelMin, gsmLevelMax)
}

// Balance returns the active SIM balance entry, or nil if the backend reported none.
func (d *Device) Balance() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return toMap(d.balance["active"])
}

// CarState returns a copy of the boolean state map.
func (d *Device) CarState() map[string]bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyBoolMap(d.carState)
}

// AlarmState returns a copy of the alarm state map.
func (d *Device) AlarmState() map[string]bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyBoolMap(d.alarmState)
}

// Functions returns the capability list.
func (d *Device) Functions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.functions))
	copy(out, d.functions)
	return out
}

// Position returns the last known geolocation attributes.
func (d *Device) Position() map[string]float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]float64, len(d.position))
	for k, v := range d.position {
		out[k] = v
	}
	return out
}

// SupportsPosition reports whether the device publishes geolocation.
func (d *Device) SupportsPosition() bool {
	return d.hasFunction(FunctionPosition)
}

// SupportsState reports whether the device publishes the boolean state map.
func (d *Device) SupportsState() bool {
	return d.hasFunction(FunctionState)
}

func (d *Device) hasFunction(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, f := range d.functions {
		if f == name {
			return true
		}
	}
	return false
}

// Fuel returns the OBD fuel reading, if one has been synced.
func (d *Device) Fuel() (float64, bool) {
	return d.obdValue("fuel")
}

// Mileage returns the OBD odometer reading, if one has been synced.
func (d *Device) Mileage() (float64, bool) {
	return d.obdValue("mileage")
}

func (d *Device) obdValue(key string) (float64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry := toMap(d.obd[key])
	if entry == nil {
		return 0, false
	}
	v, ok := entry["val"].(float64)
	return v, ok
}

// OBDErrors returns the detailed fault list from the last OBD sync.
func (d *Device) OBDErrors() []interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry := toMap(d.obd["errors"])
	if entry == nil {
		return nil
	}
	list, _ := entry["errors"].([]interface{})
	return list
}

func levelPercent(value, min, max float64) int {
	if value <= min {
		return 0
	}
	if value >= max {
		return 100
	}
	return int(math.Round((value - min) / (max - min) * 100))
}

func copyBoolMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// The backend is loose with types: numbers arrive as strings or floats depending on the
// endpoint and firmware, and booleans as "1"/"true"/true. The coercers below accept all
// observed forms and fall back to zero values.

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
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

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	}
	return 0
}

func toBool(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "1" || b == "true"
	case float64:
		return b == 1
	}
	return false
}

func toMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func toBoolMap(v interface{}) map[string]bool {
	raw := toMap(v)
	out := make(map[string]bool, len(raw))
	for k, val := range raw {
		out[k] = toBool(val)
	}
	return out
}

func toFloatMap(v interface{}) map[string]float64 {
	raw := toMap(v)
	out := make(map[string]float64, len(raw))
	for k, val := range raw {
		if f, ok := val.(float64); ok {
			out[k] = f
		}
	}
	return out
}

func toStringSlice(v interface{}) []string {
	raw, _ := v.([]interface{})
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
