package erpsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/parking_backend/config"
	"github.com/mmdatafocus/parking_backend/models"
	"github.com/mmdatafocus/parking_backend/utils"
)

type SyncPubSubPayload struct {
	IntegrationId uint   `json:"integration_id"`
	FullResync    bool   `json:"full_resync,omitempty"`
	TriggeredBy   string `json:"triggered_by,omitempty"`
	CorrelationId string `json:"correlation_id,omitempty"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data      []byte            `json:"data,omitempty"`
		ID        string            `json:"id"`
		Attribute map[string]string `json:"attributes,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func syncTopicName() string {
	return strings.TrimSpace(os.Getenv("ERP_SYNC_TOPIC"))
}

// PublishSyncRequest asks a worker to sync one integration through Pub/Sub.
func PublishSyncRequest(ctx context.Context, payload SyncPubSubPayload) error {
	topicName := syncTopicName()
	if topicName == "" {
		return errors.New("ERP_SYNC_TOPIC not set")
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if config.EnvBoolDefault("ERP_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(ctx, client, topicName)
		if err != nil {
			return err
		}
	}

	res := topic.Publish(ctx, &pubsub.Message{Data: utils.MustJSON(payload)})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler runs the requested sync and always acks, so a poisoned
// message or a busy integration does not redeliver forever.
func (a *API) PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.EnvBoolDefault("ENABLE_ERP_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.IntegrationId == 0 {
			c.Status(204)
			return
		}

		ctx := c.Request.Context()
		if payload.CorrelationId != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, payload.CorrelationId)
		}
		triggeredBy := payload.TriggeredBy
		if triggeredBy == "" {
			triggeredBy = models.SyncTriggeredPubSub
		}
		ctx = utils.SetTriggeredByInContext(ctx, triggeredBy)

		res, err := a.Controller.RunSync(ctx, payload.IntegrationId, Options{FullResync: payload.FullResync, TriggeredBy: triggeredBy})
		if err != nil {
			config.GetLogger().WithField("integration_id", payload.IntegrationId).WithField("message_id", envelope.Message.ID).Info("pubsub sync request dropped: " + err.Error())
		} else if res.Status == models.SyncRunStatusPartial && config.EnvBoolDefault("ERP_SYNC_CONTINUE_PARTIAL", true) && syncTopicName() != "" {
			// hand the rest of the run to the next delivery
			payload.FullResync = false
			if perr := PublishSyncRequest(ctx, payload); perr != nil {
				config.LogError(config.GetLogger(), "erpsync", "PubSubPushHandler", "republish partial run", payload, perr)
			}
		}
		c.Status(204)
	}
}
