package sync

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/ewancrowle/crimp/internal/config"
	"github.com/ewancrowle/crimp/internal/session"
)

const dynamicRulesKey = "crimp:rules:dynamic"

// PairAnnouncement is the message shape published when a node learns a CID
// pair. Peers install the pair through the same deterministic synthesis
// path, so every node converges on the same dynamic rules.
type PairAnnouncement struct {
	NodeID string `json:"node_id"`
	DCID   string `json:"dcid"`
	SCID   string `json:"scid"`
	RuleID uint32 `json:"rule_id"`
}

type RuleSync struct {
	client  *redis.Client
	channel string
	nodeID  string
	engine  *session.Engine
}

func NewRuleSync(cfg *config.Config, engine *session.Engine) *RuleSync {
	if !cfg.Redis.Enabled {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	return &RuleSync{
		client:  client,
		channel: cfg.Redis.Channel,
		nodeID:  cfg.NodeID,
		engine:  engine,
	}
}

// LoadInitialPairs installs every pair already persisted in Redis.
func (s *RuleSync) LoadInitialPairs(ctx context.Context) error {
	if s == nil {
		return nil
	}

	pairs, err := s.client.HGetAll(ctx, dynamicRulesKey).Result()
	if err != nil {
		return err
	}
	for field, payload := range pairs {
		var ann PairAnnouncement
		if err := json.Unmarshal([]byte(payload), &ann); err != nil {
			log.Warn("Skipping bad dynamic rule entry", "field", field, "err", err)
			continue
		}
		if err := s.installAnnouncement(&ann); err != nil {
			log.Warn("Failed to install persisted pair", "field", field, "err", err)
		}
	}
	return nil
}

// PublishPair persists and announces a learned CID pair.
func (s *RuleSync) PublishPair(ctx context.Context, dcid, scid []byte) error {
	if s == nil {
		return nil
	}

	ann := PairAnnouncement{
		NodeID: s.nodeID,
		DCID:   hex.EncodeToString(dcid),
		SCID:   hex.EncodeToString(scid),
	}
	data, err := json.Marshal(ann)
	if err != nil {
		return err
	}

	field := ann.DCID + "|" + ann.SCID
	if err := s.client.HSet(ctx, dynamicRulesKey, field, data).Err(); err != nil {
		return err
	}

	return s.client.Publish(ctx, s.channel, data).Err()
}

// Subscribe installs CID pairs announced by other nodes.
func (s *RuleSync) Subscribe(ctx context.Context) {
	if s == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for msg := range ch {
		var ann PairAnnouncement
		if err := json.Unmarshal([]byte(msg.Payload), &ann); err != nil {
			log.Warn("Error unmarshaling pair announcement", "err", err)
			continue
		}
		if ann.NodeID == s.nodeID {
			continue
		}
		if err := s.installAnnouncement(&ann); err != nil {
			log.Warn("Failed to install announced pair", "node", ann.NodeID, "err", err)
		}
	}
}

func (s *RuleSync) installAnnouncement(ann *PairAnnouncement) error {
	dcid, err := hex.DecodeString(ann.DCID)
	if err != nil {
		return err
	}
	scid, err := hex.DecodeString(ann.SCID)
	if err != nil {
		return err
	}
	return s.engine.InstallPair(dcid, scid)
}
