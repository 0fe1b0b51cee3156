package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	eventLogKey        = "fleet:events"
	DefaultEventLogLen = 1000
)

// FleetEvent is one admin-visible change to the fleet.
type FleetEvent struct {
	Type      string                 `json:"type"`
	NodeID    string                 `json:"node_id,omitempty"`
	IP        string                 `json:"ip,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// EventLog keeps the most recent fleet events in a capped Redis list, newest last.
type EventLog struct {
	Redis  *redis.Client
	MaxLen int64
}

func (l *EventLog) Record(ctx context.Context, e FleetEvent) error {
	if l == nil || l.Redis == nil {
		return nil
	}
	e.Timestamp = time.Now().UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	maxLen := l.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultEventLogLen
	}
	pipe := l.Redis.Pipeline()
	pipe.RPush(ctx, eventLogKey, data)
	pipe.LTrim(ctx, eventLogKey, -maxLen, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns up to limit events, newest first. Entries that fail to decode
// are skipped.
func (l *EventLog) Recent(ctx context.Context, limit int64) ([]FleetEvent, error) {
	if l == nil || l.Redis == nil {
		return []FleetEvent{}, nil
	}
	if limit <= 0 {
		limit = 50
	}
	raw, err := l.Redis.LRange(ctx, eventLogKey, -limit, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]FleetEvent, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e FleetEvent
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
