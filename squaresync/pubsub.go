package squaresync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/referrals_backend/config"
)

func PublishBackfillRun(ctx context.Context, runId uint, businessId string, connectionId uint) error {
	topicName := strings.TrimSpace(os.Getenv("SQUARE_SYNC_TOPIC"))
	if topicName == "" {
		topicName = "square-sync"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if envBoolDefault("SQUARE_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	payload := BackfillPubSubPayload{
		RunId:        runId,
		BusinessId:   businessId,
		ConnectionId: connectionId,
	}
	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler accepts Pub/Sub push deliveries. Bad messages and
// run-level failures are acked with 204 so they are not redelivered forever;
// failures land on the SyncRun row instead. The one exception is lock
// contention: any 2xx acks a push delivery, so a contended run answers 429 to
// make Pub/Sub redeliver it once the in-flight run releases the lock.
func PubSubPushHandler() gin.HandlerFunc {
	return pushHandler(processBackfillRun)
}

func pushHandler(process func(context.Context, BackfillPubSubPayload) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_SQUARE_PUBSUB_PUSH_ENDPOINT", true) {
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

		var payload BackfillPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.RunId == 0 || payload.BusinessId == "" {
			c.Status(204)
			return
		}

		if err := process(c.Request.Context(), payload); errors.Is(err, ErrRunLocked) {
			c.Status(429)
			return
		}
		c.Status(204)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
