package kafka

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
)

func TestCreateChannelRequiresBrokers(t *testing.T) {
	t.Parallel()

	for _, brokers := range [][]string{nil, {""}} {
		publisher, subscriber, err := CreateChannel(watermill.NopLogger{}, "caseflow", brokers)
		assert.ErrorIs(t, err, ErrNoBrokers)
		assert.Nil(t, publisher)
		assert.Nil(t, subscriber)
	}
}
