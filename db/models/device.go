package models

// DeviceRecord is the stored identity of one device. The token is a shared
// secret supplied at registration and never rewritten; Attested only ever
// moves from false to true.
type DeviceRecord struct {
	DeviceID    string `json:"deviceId"`
	DeviceToken string `json:"deviceToken"`
	Attested    bool   `json:"attested"`
}

// DeviceState is the lifecycle position of a device id.
type DeviceState string

const (
	DeviceStateUnregistered DeviceState = "unregistered"
	DeviceStateRegistered   DeviceState = "registered"
	DeviceStateAttested     DeviceState = "attested"
)

// State derives the lifecycle state of an existing record.
func (r DeviceRecord) State() DeviceState {
	if r.Attested {
		return DeviceStateAttested
	}
	return DeviceStateRegistered
}
