package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/angelmondragon/peermarket-backend/pkg/config"
)

func TestTopicResourceName(t *testing.T) {
	c := &Client{projectID: "peermarket-dev"}

	assert.Equal(t, "projects/peermarket-dev/topics/orders", c.topicResourceName("orders"))
	assert.Equal(t, "projects/other/topics/orders", c.topicResourceName("projects/other/topics/orders"))
	assert.Empty(t, c.topicResourceName("  "))

	var nilClient *Client
	assert.Empty(t, nilClient.topicResourceName("orders"))
}

func TestTopicNames(t *testing.T) {
	assert.Empty(t, topicNames(config.PubSubConfig{}))
	assert.Equal(t, []string{"orders"}, topicNames(config.PubSubConfig{OrdersTopic: " orders "}))
}

func TestClientOptions(t *testing.T) {
	assert.Empty(t, clientOptions(config.GCPConfig{ProjectID: "peermarket-dev"}))
	assert.Len(t, clientOptions(config.GCPConfig{CredentialsJSON: `{"type":"service_account"}`}), 1)
	assert.Len(t, clientOptions(config.GCPConfig{
		CredentialsJSON:        `{"type":"service_account"}`,
		ApplicationCredentials: "/secrets/gcp.json",
	}), 1)
	assert.Len(t, clientOptions(config.GCPConfig{ApplicationCredentials: "/secrets/gcp.json"}), 1)
}
