// Package hotspot provides the hotspot model and nearby-hotspot discovery.
package hotspot

import (
	"fmt"
	"math"
	"strconv"
)

// Hotspot is a purchasable WiFi access point.
type Hotspot struct {
	ID                  int64   `json:"id"`
	DeviceID            string  `json:"deviceId,omitempty"`
	Name                string  `json:"name"`
	IconURL             string  `json:"iconUrl,omitempty"`
	Latitude            float64 `json:"latitude"`
	Longitude           float64 `json:"longitude"`
	SSID                string  `json:"ssid"`
	Password            *string `json:"password"`
	PricePerMinuteCents int64   `json:"pricePerMinuteCents"`
	IsOnline            bool    `json:"isOnline"`
}

// Key returns the identifier as the backend's string pin id.
func (h Hotspot) Key() string {
	return strconv.FormatInt(h.ID, 10)
}

// NetworkPassword returns the network password, or "" for open networks.
func (h Hotspot) NetworkPassword() string {
	if h.Password == nil {
		return ""
	}
	return *h.Password
}

// DisplayName returns the name shown to users.
func (h Hotspot) DisplayName() string {
	if h.Name == "" {
		return "Untitled"
	}
	return h.Name
}

// PriceCents returns the total price in cents for the given duration.
func (h Hotspot) PriceCents(minutes int) int64 {
	return h.PricePerMinuteCents * int64(minutes)
}

// FormatPrice formats cents as a dollar amount, e.g. "$1.20".
func FormatPrice(cents int64) string {
	return fmt.Sprintf("$%.2f", float64(cents)/100)
}

const earthRadiusMeters = 6371e3

// Distance returns the great-circle distance in meters between two coordinates.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)

	a := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Pow(math.Sin(dLng/2), 2)

	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
