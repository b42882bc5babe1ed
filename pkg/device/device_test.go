package device

import (
	"encoding/json"
	"testing"
)

func fullPayload(t *testing.T) map[string]interface{} {
	t.Helper()
	const body = `{
		"device_id": 123459,
		"imei": "123456789012345",
		"alias": "Fora",
		"phone": "+79001234567",
		"fw_version": "2.14.1",
		"typename": "StarLine E96",
		"status": "1",
		"ts_activity": 1729500000,
		"battery": 12.4,
		"ctemp": 18,
		"etemp": 74,
		"gsm_lvl": 20,
		"balance": {"active": {"value": 310.5, "currency": "RUB"}},
		"car_state": {"lock": "1", "heater": "0", "ign": false},
		"car_alr_state": {"shock_h": false, "door": "0"},
		"functions": ["position", "state", "obd"],
		"position": {"x": 37.617, "y": 55.755, "ts": 1729500000, "sat_qty": 9}
	}`
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		t.Fatal(err)
	}
	return data
}

func TestUpdateFullPayload(t *testing.T) {
	var d Device
	d.Update(fullPayload(t))

	if d.ID() != "123459" {
		t.Errorf("ID = %q", d.ID())
	}
	if d.Name() != "Fora" || d.TypeName() != "StarLine E96" {
		t.Errorf("identity = %q / %q", d.Name(), d.TypeName())
	}
	if !d.Online() {
		t.Error("status 1 should report online")
	}
	if d.TempInner() != 18 || d.TempEngine() != 74 {
		t.Errorf("temps = %d / %d", d.TempInner(), d.TempEngine())
	}
	state := d.CarState()
	if !state["lock"] || state["heater"] || state["ign"] {
		t.Errorf("car state = %v", state)
	}
	if !d.SupportsPosition() || !d.SupportsState() {
		t.Error("capability list not honored")
	}
	if d.Position()["x"] != 37.617 {
		t.Errorf("position = %v", d.Position())
	}
	if d.Balance()["currency"] != "RUB" {
		t.Errorf("balance = %v", d.Balance())
	}
	if d.LastActivity().Unix() != 1729500000 {
		t.Errorf("last activity = %s", d.LastActivity())
	}
}

func TestUpdateMissingFieldsUseDefaults(t *testing.T) {
	var d Device
	d.Update(map[string]interface{}{"device_id": "77"})

	if d.ID() != "77" {
		t.Errorf("ID = %q", d.ID())
	}
	if d.BatteryLevel() != 0 || d.Online() || d.Name() != "" {
		t.Error("absent fields should fall back to zero values")
	}
	if d.Balance() != nil {
		t.Errorf("balance = %v, want nil", d.Balance())
	}
	if len(d.CarState()) != 0 {
		t.Errorf("car state = %v", d.CarState())
	}
}

func TestDeviceIDImmutable(t *testing.T) {
	var d Device
	d.Update(map[string]interface{}{"device_id": "77"})
	d.Update(map[string]interface{}{"device_id": "88", "alias": "renamed"})

	if d.ID() != "77" {
		t.Errorf("ID changed to %q", d.ID())
	}
	if d.Name() != "renamed" {
		t.Error("other fields should still be replaced")
	}
}

func TestUpdateCarStatePartialMerge(t *testing.T) {
	var d Device
	d.Update(map[string]interface{}{
		"device_id": "1",
		"car_state": map[string]interface{}{"lock": false, "heater": false},
	})

	d.UpdateCarState(map[string]interface{}{
		"lock":        "1",
		"unknown_key": "1",
		"code":        float64(200),
	})

	state := d.CarState()
	if !state["lock"] {
		t.Error("known key not updated")
	}
	if state["heater"] {
		t.Error("untouched key changed")
	}
	if _, ok := state["unknown_key"]; ok {
		t.Error("unknown key inserted by partial merge")
	}
	if _, ok := state["code"]; ok {
		t.Error("response status leaked into the state map")
	}
}

func TestTruthyForms(t *testing.T) {
	cases := []struct {
		in   interface{}
		want bool
	}{
		{"1", true},
		{"true", true},
		{true, true},
		{float64(1), true},
		{"0", false},
		{"false", false},
		{false, false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := toBool(tc.in); got != tc.want {
			t.Errorf("toBool(%v) = %v", tc.in, got)
		}
	}
}

func TestBatteryLevelPercent(t *testing.T) {
	cases := []struct {
		volts float64
		want  int
	}{
		{10.0, 0},
		{11.9, 0}, // at the minimum
		{12.15, 25},
		{12.4, 50},
		{12.9, 100}, // at the maximum
		{13.5, 100},
	}
	for _, tc := range cases {
		var d Device
		d.Update(map[string]interface{}{"device_id": "1", "battery": tc.volts})
		if got := d.BatteryLevelPercent(); got != tc.want {
			t.Errorf("BatteryLevelPercent(%.2f V) = %d, want %d", tc.volts, got, tc.want)
		}
	}
}

func TestGSMLevelPercent(t *testing.T) {
	var d Device
	d.Update(map[string]interface{}{"device_id": "1", "status": 1, "gsm_lvl": 20})
	if got := d.GSMLevelPercent(); got != 50 {
		t.Errorf("GSMLevelPercent = %d, want 50", got)
	}

	// Signal is meaningless while offline.
	d.Update(map[string]interface{}{"device_id": "1", "status": 0, "gsm_lvl": 20})
	if d.GSMLevel() != 0 || d.GSMLevelPercent() != 0 {
		t.Errorf("offline GSM = %d (%d%%), want 0", d.GSMLevel(), d.GSMLevelPercent())
	}
}

func TestUpdateOBD(t *testing.T) {
	var d Device
	d.Update(map[string]interface{}{"device_id": "1"})

	if _, ok := d.Fuel(); ok {
		t.Error("fuel reported before any OBD sync")
	}

	d.UpdateOBD(map[string]interface{}{
		"fuel":    map[string]interface{}{"ts": float64(1729500000), "val": float64(37)},
		"mileage": map[string]interface{}{"val": float64(44250)},
		"errors": map[string]interface{}{
			"val":    float64(2),
			"errors": []interface{}{"P0300", "P0171"},
		},
	})

	if fuel, ok := d.Fuel(); !ok || fuel != 37 {
		t.Errorf("Fuel = %v, %v", fuel, ok)
	}
	if mileage, ok := d.Mileage(); !ok || mileage != 44250 {
		t.Errorf("Mileage = %v, %v", mileage, ok)
	}
	if errs := d.OBDErrors(); len(errs) != 2 {
		t.Errorf("OBDErrors = %v", errs)
	}
}

func TestStaleFlag(t *testing.T) {
	var d Device
	d.Update(fullPayload(t))

	if d.Stale() {
		t.Error("fresh record marked stale")
	}
	d.SetStale(true)
	if !d.Stale() {
		t.Error("stale flag not set")
	}
	if d.Name() != "Fora" {
		t.Error("stale record lost its attributes")
	}
}
