package models

/*
	Request and response bodies of the device and file endpoints.
	Field names follow the JSON the devices already send.
*/

type DeviceCredentials struct {
	DeviceID    string `json:"deviceId"`
	DeviceToken string `json:"deviceToken"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

type DeviceStatusResponse struct {
	DeviceID string      `json:"deviceId"`
	State    DeviceState `json:"state"`
	Attested bool        `json:"attested"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}
