package wifi

import "strings"

var qrEscaper = strings.NewReplacer(`\`, `\\`, `;`, `\;`, `,`, `\,`, `:`, `\:`, `"`, `\"`)

// QRPayload returns the standard WIFI: URI that phone cameras understand.
// An empty password yields an open-network payload.
func QRPayload(ssid, password string) string {
	if password == "" {
		return "WIFI:T:nopass;S:" + qrEscaper.Replace(ssid) + ";;"
	}
	return "WIFI:T:WPA;S:" + qrEscaper.Replace(ssid) + ";P:" + qrEscaper.Replace(password) + ";;"
}
