package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	assert.Equal(t, "active=900 total=1250 conversion=23.40% sms=95",
		summarize("analytics", []byte(`{"activeUsers":900,"totalUsers":1250,"conversionRate":23.4,"smsSent":95}`)))

	assert.Equal(t, "score=96 alerts=4 blocked=160 fraud=13",
		summarize("security", []byte(`{"securityScore":96,"activeAlerts":4,"threatsBlocked":160,"fraudAttempts":13}`)))

	assert.Equal(t, "events=2 latest=sms_verified",
		summarize("onboarding", []byte(`{"count":2,"events":[{"type":"sms_verified"},{"type":"onboarding_started"}]}`)))
	assert.Equal(t, "events=0 latest=none", summarize("onboarding", []byte(`{"count":0,"events":[]}`)))

	assert.Equal(t, `{"x":1}`, summarize("other", []byte(`{"x":1}`)))
}
