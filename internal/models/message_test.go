package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRecordJSON(t *testing.T) {
	sender := int64(9007199254740993) // not representable as a float64
	rec := MessageRecord{
		MessageID: 9007199254740995,
		SessionID: 42,
		SenderID:  &sender,
		Bundle:    Bundle{{Type: UnitText, Text: "hello"}},
		Time:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "9007199254740995", raw["message_id"])
	assert.Equal(t, "9007199254740993", raw["sender_id"])
	assert.Equal(t, "2025-03-01T12:00:00Z", raw["time"])
	assert.Equal(t, false, raw["recalled"])

	var back MessageRecord
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rec.MessageID, back.MessageID)
	assert.Equal(t, *rec.SenderID, *back.SenderID)
	assert.True(t, rec.Time.Equal(back.Time))
}

func TestSystemMessageOmitsSender(t *testing.T) {
	data, err := json.Marshal(MessageRecord{MessageID: 1, IsAllUser: true})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sender_id")
}

func TestRelationHelpers(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)

	owner := &SessionRelation{Role: RoleOwner}
	assert.True(t, owner.CanModerate())

	leaving := &SessionRelation{Role: RoleOwner, LeavingToProcess: true}
	assert.False(t, leaving.Active())
	assert.False(t, leaving.CanModerate())

	var missing *SessionRelation
	assert.False(t, missing.Active())

	assert.True(t, ActiveUntil(&later, now))
	assert.False(t, ActiveUntil(&now, later))
	assert.False(t, ActiveUntil(nil, now))
}
