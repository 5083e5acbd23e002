package service

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strconv"
	"strings"
)

// DeviceInfo describes the client a request came from.
type DeviceInfo struct {
	// Fingerprint is the client-supplied device fingerprint, already hashed
	// or raw. It is hashed again before storage.
	Fingerprint string `json:"fingerprint"`
	UserAgent   string `json:"userAgent"`
	IP          string `json:"ip"`
}

// FingerprintData is the set of client attributes a browser reports for
// fingerprinting.
type FingerprintData struct {
	UserAgent           string `json:"userAgent"`
	ScreenResolution    string `json:"screenResolution"`
	Timezone            string `json:"timezone"`
	Language            string `json:"language"`
	Platform            string `json:"platform"`
	ColorDepth          int    `json:"colorDepth"`
	HardwareConcurrency int    `json:"hardwareConcurrency"`
	TouchSupport        bool   `json:"touchSupport"`
}

// GenerateFingerprint creates a stable hash from fingerprint components.
func GenerateFingerprint(data *FingerprintData) string {
	components := []string{
		data.UserAgent,
		data.ScreenResolution,
		data.Timezone,
		data.Language,
		data.Platform,
		strconv.Itoa(data.ColorDepth),
		strconv.Itoa(data.HardwareConcurrency),
		strconv.FormatBool(data.TouchSupport),
	}
	return hashFingerprint(strings.Join(components, "|"))
}

// normalized returns the device with a hashed fingerprint and a bare IP.
func (d DeviceInfo) normalized() DeviceInfo {
	out := DeviceInfo{UserAgent: strings.TrimSpace(d.UserAgent), IP: cleanIP(strings.TrimSpace(d.IP))}
	if fp := strings.TrimSpace(d.Fingerprint); fp != "" {
		out.Fingerprint = hashFingerprint(fp)
	}
	return out
}

func hashFingerprint(input string) string {
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

func cleanIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err != nil {
		return ip
	}
	return host
}

func parseDeviceName(userAgent string) string {
	if userAgent == "" {
		return "Unknown Device"
	}

	ua := strings.ToLower(userAgent)

	browser := "Browser"
	switch {
	case strings.Contains(ua, "firefox"):
		browser = "Firefox"
	case strings.Contains(ua, "edg"):
		browser = "Edge"
	case strings.Contains(ua, "chrome"):
		browser = "Chrome"
	case strings.Contains(ua, "safari"):
		browser = "Safari"
	case strings.Contains(ua, "curl"), strings.Contains(ua, "go-http-client"):
		browser = "API client"
	}

	os := "Unknown"
	switch {
	case strings.Contains(ua, "windows"):
		os = "Windows"
	case strings.Contains(ua, "iphone"):
		os = "iPhone"
	case strings.Contains(ua, "android"):
		os = "Android"
	case strings.Contains(ua, "macintosh") || strings.Contains(ua, "mac os"):
		os = "Mac"
	case strings.Contains(ua, "linux"):
		os = "Linux"
	}

	return browser + " on " + os
}
