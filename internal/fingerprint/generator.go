// Package fingerprint derives a stable companion-device profile from a seed.
// The same seed and country always give the same profile, so a restarted
// process presents the same device to the network.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Profile is the device identity shown on the linked-devices screen.
type Profile struct {
	DeviceID     string // 16 hex chars
	ComputerName string // DESKTOP-XXXXXXX
	Browser      string
	Timezone     string
	Language     string
	Country      string
}

type locale struct {
	Timezone string
	Language string
}

var locales = map[string]locale{
	"US": {Timezone: "America/New_York", Language: "en-US"},
	"IL": {Timezone: "Asia/Jerusalem", Language: "he-IL"},
	"GB": {Timezone: "Europe/London", Language: "en-GB"},
	"DE": {Timezone: "Europe/Berlin", Language: "de-DE"},
	"FR": {Timezone: "Europe/Paris", Language: "fr-FR"},
	"CA": {Timezone: "America/Toronto", Language: "en-CA"},
	"AU": {Timezone: "Australia/Sydney", Language: "en-AU"},
	"BR": {Timezone: "America/Sao_Paulo", Language: "pt-BR"},
	"IN": {Timezone: "Asia/Kolkata", Language: "en-IN"},
	"JP": {Timezone: "Asia/Tokyo", Language: "ja-JP"},
	"AE": {Timezone: "Asia/Dubai", Language: "ar-AE"},
	"SA": {Timezone: "Asia/Riyadh", Language: "ar-SA"},
}

var browsers = []string{"Chrome", "Edge", "Firefox"}

// Generate returns the profile for seed. Unknown countries fall back to US.
func Generate(seed, country string) Profile {
	if seed == "" {
		seed = "default-seed"
	}
	country = strings.ToUpper(country)
	loc, ok := locales[country]
	if !ok {
		country = "US"
		loc = locales[country]
	}

	sum := sha256.Sum256([]byte(seed))
	hashHex := hex.EncodeToString(sum[:])

	return Profile{
		DeviceID:     hashHex[:16],
		ComputerName: "DESKTOP-" + strings.ToUpper(hashHex[16:23]),
		Browser:      browsers[int(sum[0])%len(browsers)],
		Timezone:     loc.Timezone,
		Language:     loc.Language,
		Country:      country,
	}
}

// OS is the operating system string reported in the device properties.
func (p Profile) OS() string {
	return "Windows " + p.ComputerName
}

// Label is the client name shown during phone pairing, like "Chrome (Windows)".
// A non-empty override wins.
func (p Profile) Label(override string) string {
	if override != "" {
		return override
	}
	return fmt.Sprintf("%s (Windows)", p.Browser)
}
