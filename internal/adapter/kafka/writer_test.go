package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/couchcryptid/wildfire-unit-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeToMessage(t *testing.T) {
	processed := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	e := domain.Enriched{
		Incident: domain.CanonicalIncident{
			IdentityKey: "BDF:2026-CABDF-001234",
			Center:      "BDF",
			LocalID:     "2026-CABDF-001234",
			Status:      domain.StatusActive,
			Lat:         34.1745,
			Lon:         -117.0732,
		},
		UnitID:      3,
		Lifecycle:   "active",
		ProcessedAt: processed,
	}

	msg, err := serializeToMessage(e)
	require.NoError(t, err)

	assert.Equal(t, []byte("BDF:2026-CABDF-001234"), msg.Key,
		"messages are keyed by identity for partition ordering")

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "BDF", headers["center"])
	assert.Equal(t, "active", headers["lifecycle"])
	assert.Equal(t, "2026-08-15T12:00:00Z", headers["processed_at"])

	var decoded domain.Enriched
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, 3, decoded.UnitID)
	assert.Equal(t, e.Incident.IdentityKey, decoded.Incident.IdentityKey)
}
