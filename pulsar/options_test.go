package pulsar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConsumerOptions_SetDefaults(t *testing.T) {
	o := ConsumerOptions{Topic: "t", SubscriptionName: "s"}
	o = o.SetDefaults()
	require.Equal(t, 30*time.Second, o.OperationTimeout)
	require.Equal(t, time.Minute, o.NackRedeliveryDelay)
}

func TestConsumerOptions_SetDefaults_DoesNotOverrideSetValues(t *testing.T) {
	o := ConsumerOptions{
		Topic:               "t",
		SubscriptionName:    "s",
		OperationTimeout:    5 * time.Second,
		NackRedeliveryDelay: 10 * time.Second,
	}
	o = o.SetDefaults()
	require.Equal(t, 5*time.Second, o.OperationTimeout)
	require.Equal(t, 10*time.Second, o.NackRedeliveryDelay)
}

func TestConsumerOptions_Validate_RequiresTopicAndSubscription(t *testing.T) {
	o := ConsumerOptions{}
	err := o.Validate()
	require.Error(t, err)

	o = ConsumerOptions{Topic: "t", SubscriptionName: "s"}
	require.NoError(t, o.Validate())
}

func TestConsumerOptions_Validate_RejectsNegativeReceiverQueueSize(t *testing.T) {
	o := ConsumerOptions{Topic: "t", SubscriptionName: "s", ReceiverQueueSize: -1}
	require.Error(t, o.Validate())
}
