package ratelimit

import (
	"strings"
)

// ThreatSignals are per-client facts the façade already holds when it
// classifies a request.
type ThreatSignals struct {
	InCooldown  bool
	BlockedRate float64 // blocked / total for the client so far
	Total       int64
}

// ThreatClassifier scores request metadata into a ThreatLevel. The level is
// reported for observability only; it never changes an admission decision.
type ThreatClassifier struct {
	LargePayloadBytes   int64
	HugePayloadBytes    int64
	SuspiciousFragments []string
}

// NewThreatClassifier returns a classifier with the default thresholds.
func NewThreatClassifier() *ThreatClassifier {
	return &ThreatClassifier{
		LargePayloadBytes: 1 << 20,
		HugePayloadBytes:  10 << 20,
		SuspiciousFragments: []string{
			"../", "..%2f", "%00", "<script", "union select", "/etc/passwd",
			"/.env", "/.git", "/wp-admin", "/phpmyadmin",
		},
	}
}

// Classify is a pure function of its inputs.
func (c *ThreatClassifier) Classify(req RequestContext, signals ThreatSignals) ThreatLevel {
	score := 0

	switch {
	case req.PayloadSize >= c.HugePayloadBytes:
		score += 3
	case req.PayloadSize >= c.LargePayloadBytes:
		score++
	}

	endpoint := strings.ToLower(req.Endpoint)
	for _, fragment := range c.SuspiciousFragments {
		if strings.Contains(endpoint, fragment) {
			score += 3
			break
		}
	}

	switch strings.ToUpper(req.Method) {
	case "", "GET", "HEAD", "OPTIONS", "POST", "PUT", "PATCH", "DELETE":
	default:
		score++
	}

	if req.SourceAddress == "" && !req.Auth.Verified {
		score++
	}

	if signals.InCooldown {
		score += 2
	}
	if signals.Total >= 10 {
		switch {
		case signals.BlockedRate >= 0.8:
			score += 3
		case signals.BlockedRate >= 0.5:
			score += 2
		case signals.BlockedRate >= 0.2:
			score++
		}
	}

	switch {
	case score >= 6:
		return ThreatCritical
	case score >= 4:
		return ThreatHigh
	case score >= 2:
		return ThreatMedium
	default:
		return ThreatLow
	}
}
