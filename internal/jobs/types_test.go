package jobs

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCampaignStartPayloadCarriesTypeDiscriminator(t *testing.T) {
	t.Parallel()

	task, err := NewCampaignStartTask(CampaignStartPayload{
		CampaignID: uuid.New(),
		AccountID:  uuid.New(),
	}, 0)
	require.NoError(t, err)

	assert.Equal(t, TypeCampaignStart, task.Type())

	var decoded CampaignStartPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
	assert.Equal(t, TypeCampaignStart, decoded.Type)
}
