package wikisync

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// identity claims carried by a device token.
// the token is verified by the coordinator, the engine only reads the
// claims it needs to identify itself
type DeviceToken struct {
	DeviceId   Id
	DeviceName string
}

func ParseDeviceTokenUnverified(token string) (*DeviceToken, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	deviceToken := &DeviceToken{}

	if deviceIdStr, ok := claims["device_id"].(string); ok {
		if deviceId, err := ParseId(deviceIdStr); err == nil {
			deviceToken.DeviceId = deviceId
		}
	}
	if deviceName, ok := claims["device_name"].(string); ok {
		deviceToken.DeviceName = deviceName
	}

	return deviceToken, nil
}
