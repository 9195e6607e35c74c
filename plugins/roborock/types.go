package roborock

import (
	"sort"

	"github.com/joshp123/gohome-vacuum/internal/vacuum"
)

// Device represents a Roborock device from the account's home data.
type Device struct {
	ID          string
	Name        string
	Model       string
	Firmware    string
	Online      bool
	SupportsMop bool
}

func (d Device) descriptor() vacuum.Device {
	return vacuum.Device{Name: d.Name, DUID: d.ID, Model: d.Model}
}

// HomeData is the result of /v3/user/homes/{id}.
type HomeData struct {
	ID              int64             `json:"id"`
	Name            string            `json:"name"`
	Products        []HomeDataProduct `json:"products"`
	Devices         []HomeDataDevice  `json:"devices"`
	ReceivedDevices []HomeDataDevice  `json:"receivedDevices"`
}

type HomeDataProduct struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Model    string `json:"model"`
	Category string `json:"category"`
}

type HomeDataDevice struct {
	DUID         string         `json:"duid"`
	Name         string         `json:"name"`
	LocalKey     string         `json:"localKey"`
	ProductID    string         `json:"productId"`
	Firmware     string         `json:"fv"`
	Online       bool           `json:"online"`
	DeviceStatus map[string]any `json:"deviceStatus"`
}

// mopStatusKey is the device status data point present on models with a mop.
const mopStatusKey = "124"

// all returns owned and shared devices. A shared device with the same DUID as
// an owned one replaces it.
func (h *HomeData) all() map[string]HomeDataDevice {
	out := make(map[string]HomeDataDevice, len(h.Devices)+len(h.ReceivedDevices))
	for _, dev := range h.Devices {
		out[dev.DUID] = dev
	}
	for _, dev := range h.ReceivedDevices {
		out[dev.DUID] = dev
	}
	return out
}

// Describe converts the home's devices into descriptors ordered by name, then
// DUID. The model comes from the device's product.
func (h *HomeData) Describe() []Device {
	models := make(map[string]string, len(h.Products))
	for _, p := range h.Products {
		models[p.ID] = p.Model
	}
	devices := h.all()
	out := make([]Device, 0, len(devices))
	for _, dev := range devices {
		_, mop := dev.DeviceStatus[mopStatusKey]
		out = append(out, Device{
			ID:          dev.DUID,
			Name:        dev.Name,
			Model:       models[dev.ProductID],
			Firmware:    dev.Firmware,
			Online:      dev.Online,
			SupportsMop: mop,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}
