package notify

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/harrisonrobin/taskmirror/pkg/model"
)

// RedisSender publishes payloads on a pub/sub channel; device push workers
// subscribe to it.
type RedisSender struct {
	client  *redis.Client
	channel string
}

func NewRedisSender(client *redis.Client, channel string) *RedisSender {
	return &RedisSender{client: client, channel: channel}
}

func (s *RedisSender) Send(ctx context.Context, payload model.ReminderPayload) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, data).Err()
}

// LogSender writes reminders to the log. Used when no device transport is
// configured.
type LogSender struct {
	logger *log.Logger
}

func NewLogSender(logger *log.Logger) *LogSender {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, payload model.ReminderPayload) error {
	s.logger.WithFields(log.Fields{
		"task":  payload.Data.TaskID,
		"title": payload.Title,
		"sound": payload.Sound,
	}).Info(payload.Body)
	return nil
}

// Fanout sends to every sender and returns the first error.
type Fanout []Sender

func (f Fanout) Send(ctx context.Context, payload model.ReminderPayload) error {
	var first error
	for _, s := range f {
		if err := s.Send(ctx, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}
