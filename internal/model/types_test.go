package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageStatus_AdvanceNeverRegresses(t *testing.T) {
	updates := []MessageStatus{StatusDelivered, StatusSent, StatusRead, StatusDelivered, "bogus", StatusSent}

	cur := StatusSent
	for _, u := range updates {
		prev := cur
		cur, _ = cur.Advance(u)
		assert.False(t, cur.Before(prev), "status went from %s to %s", prev, cur)
	}
	assert.Equal(t, StatusRead, cur)
}

func TestMessageStatus_AdvanceReportsChange(t *testing.T) {
	next, changed := StatusSent.Advance(StatusDelivered)
	assert.True(t, changed)
	assert.Equal(t, StatusDelivered, next)

	next, changed = StatusRead.Advance(StatusDelivered)
	assert.False(t, changed)
	assert.Equal(t, StatusRead, next)

	_, changed = StatusRead.Advance(StatusRead)
	assert.False(t, changed)
}

func TestParseMessageStatus(t *testing.T) {
	s, err := ParseMessageStatus("read")
	require.NoError(t, err)
	assert.Equal(t, StatusRead, s)

	_, err = ParseMessageStatus("seen")
	require.Error(t, err)
}

func TestNotificationPriority_Immediate(t *testing.T) {
	assert.True(t, PriorityAlert.Immediate())
	assert.True(t, PriorityCritical.Immediate())
	assert.False(t, PriorityNormal.Immediate())
	assert.False(t, NotificationPriority("").Immediate())
}
