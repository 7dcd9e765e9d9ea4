package chat

import (
	"errors"

	"github.com/samber/lo"
)

// ErrUnmatchedTopic is the join rejection for topics the server does not serve.
var ErrUnmatchedTopic = errors.New("unmatched topic")

// TopicPolicy decides whether a join on topic is accepted. A non-nil
// error rejects the join and its text becomes the reply reason.
type TopicPolicy func(topic string) error

// AllowTopics accepts joins only on the listed topics. With no topics
// every join is accepted.
func AllowTopics(topics ...string) TopicPolicy {
	allowed := lo.Uniq(lo.Compact(topics))
	return func(topic string) error {
		if len(allowed) == 0 || lo.Contains(allowed, topic) {
			return nil
		}
		return ErrUnmatchedTopic
	}
}
