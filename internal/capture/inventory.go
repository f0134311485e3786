package capture

import (
	"fmt"

	"github.com/pion/mediadevices"

	"livecast/native/internal/domain"
)

// Inventory lists capture devices known to the registered drivers.
type Inventory struct {
	enumerate func() []mediadevices.MediaDeviceInfo
}

// NewInventory returns an inventory over enumerate, or over
// mediadevices.EnumerateDevices when enumerate is nil.
func NewInventory(enumerate func() []mediadevices.MediaDeviceInfo) *Inventory {
	if enumerate == nil {
		enumerate = mediadevices.EnumerateDevices
	}
	return &Inventory{enumerate: enumerate}
}

// Devices returns every video and audio input device.
func (i *Inventory) Devices() []domain.Device {
	var out []domain.Device
	for _, info := range i.enumerate() {
		kind, ok := deviceKind(info.Kind)
		if !ok {
			continue
		}
		out = append(out, domain.Device{ID: info.DeviceID, Kind: kind, Label: info.Label})
	}
	return out
}

// Find returns the device of the given kind with id, or the first device of
// that kind when id is empty.
func (i *Inventory) Find(kind domain.DeviceKind, id string) (domain.Device, error) {
	for _, d := range i.Devices() {
		if d.Kind != kind {
			continue
		}
		if id == "" || d.ID == id {
			return d, nil
		}
	}
	if id == "" {
		return domain.Device{}, fmt.Errorf("%w: no %s device", domain.ErrDeviceUnavailable, kind)
	}
	return domain.Device{}, fmt.Errorf("%w: no %s device %q", domain.ErrDeviceUnavailable, kind, id)
}

func deviceKind(k mediadevices.MediaDeviceType) (domain.DeviceKind, bool) {
	switch k {
	case mediadevices.VideoInput:
		return domain.KindVideoInput, true
	case mediadevices.AudioInput:
		return domain.KindAudioInput, true
	}
	return "", false
}
