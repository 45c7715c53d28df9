package kafka

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Dead letters are written at two points: after a consumer gives up on a
// message, and after a producer fails to publish one.
const (
	StageConsume = "consume"
	StagePublish = "publish"
)

// DLQError marks a handler failure as permanent. The consumer sends the
// message to the dead letter topic immediately instead of retrying it.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

// DeadLetter is the record published to the dead letter topic. Partition and
// Offset are only meaningful for the consume stage.
type DeadLetter struct {
	Stage         string    `json:"stage"`
	OriginalTopic string    `json:"original_topic"`
	Partition     int32     `json:"partition,omitempty"`
	Offset        int64     `json:"offset,omitempty"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts"`
	Payload       string    `json:"payload_base64,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func consumeDeadLetter(msg *sarama.ConsumerMessage, err *DLQError, attempts int, now time.Time) DeadLetter {
	dl := DeadLetter{
		Stage:     StageConsume,
		Attempts:  attempts,
		Timestamp: now.UTC(),
	}
	if msg != nil {
		dl.OriginalTopic = msg.Topic
		dl.Partition = msg.Partition
		dl.Offset = msg.Offset
		dl.Key = string(msg.Key)
		if len(msg.Value) > 0 {
			dl.Payload = base64.StdEncoding.EncodeToString(msg.Value)
		}
	}
	if err != nil {
		dl.Reason = err.Reason
		if err.Err != nil {
			dl.Error = err.Err.Error()
		}
	}
	return dl
}

func publishDeadLetter(topic, key string, value any, err error, now time.Time) DeadLetter {
	dl := DeadLetter{
		Stage:         StagePublish,
		OriginalTopic: topic,
		Key:           key,
		Reason:        "publish_failed",
		Attempts:      1,
		Timestamp:     now.UTC(),
	}
	if err != nil {
		dl.Error = err.Error()
	}
	if value != nil {
		raw, marshalErr := json.Marshal(value)
		if marshalErr != nil {
			raw = []byte(fmt.Sprintf("%v", value))
		}
		dl.Payload = base64.StdEncoding.EncodeToString(raw)
	}
	return dl
}
