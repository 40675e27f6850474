package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestStatus_String(t *testing.T) {
	cases := map[RequestStatus]string{
		StatusPending:    "PENDING",
		StatusProcessing: "PROCESSING",
		StatusCompleted:  "COMPLETED",
		StatusFailed:     "FAILED",
		StatusReady:      "READY",
		StatusReplaced:   "REPLACED",
	}
	for status, want := range cases {
		assert.Equal(t, want, status.String())
	}
	assert.Equal(t, "UNKNOWN", RequestStatus(42).String())
}

func TestRequestStatus_External(t *testing.T) {
	assert.Equal(t, "FAILED", StatusReplaced.External(), "REPLACED is internal only")
	assert.Equal(t, "COMPLETED", StatusCompleted.External())
	assert.Equal(t, "PENDING", StatusPending.External())
}

func TestRequestStatus_Valid(t *testing.T) {
	for s := StatusPending; s <= StatusReplaced; s++ {
		assert.True(t, s.Valid(), s.String())
	}
	assert.False(t, RequestStatus(-1).Valid())
	assert.False(t, RequestStatus(6).Valid())
}
