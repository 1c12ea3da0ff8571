// Package relay publishes room lifecycle events to NATS JetStream for
// downstream consumers (analytics, matchmaking, moderation). Publishing is
// strictly best-effort: the session never waits on or fails because of the
// relay.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/partyhub/partyhub/internal/events"
)

type Config struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration
	MaxMsgs         int64
	Replicas        int
	DuplicateWindow time.Duration
	PublishTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "ROOM_EVENTS",
		SubjectPrefix:   "room.events",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          24 * time.Hour,
		MaxMsgs:         -1,
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
		PublishTimeout:  5 * time.Second,
	}
}

// Publisher implements session.Relay over JetStream.
type Publisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config Config
}

func NewPublisher(cfg Config) (*Publisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &Publisher{nc: nc, js: js, config: cfg}
	if err := p.ensureStream(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return p, nil
}

func (p *Publisher) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:        p.config.StreamName,
		Description: "Room lifecycle event stream",
		Subjects:    []string{fmt.Sprintf("%s.>", p.config.SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      p.config.MaxAge,
		MaxMsgs:     p.config.MaxMsgs,
		Storage:     jetstream.FileStorage,
		Replicas:    p.config.Replicas,
		Duplicates:  p.config.DuplicateWindow,
	}

	stream, err := p.js.Stream(ctx, p.config.StreamName)
	if err != nil {
		if _, err = p.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", p.config.StreamName).Msg("created JetStream stream")
		return nil
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !streamConfigEqual(info.Config, sc) {
		if _, err = p.js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().Str("stream", p.config.StreamName).Msg("updated JetStream stream")
	}
	return nil
}

// RoomCreated implements session.Relay.
func (p *Publisher) RoomCreated(roomCode, hostUserID string) {
	p.publish("room_created", roomCode, map[string]any{"host_user_id": hostUserID})
}

// RoomEnded implements session.Relay.
func (p *Publisher) RoomEnded(roomCode string) {
	p.publish("room_ended", roomCode, nil)
}

// GameStarted implements session.Relay.
func (p *Publisher) GameStarted(roomCode, gameType string) {
	p.publish("game_started", roomCode, map[string]any{"game_type": gameType})
}

// GameEnded implements session.Relay.
func (p *Publisher) GameEnded(roomCode, gameType string, scoreboard []events.ScoreboardLine) {
	p.publish("game_ended", roomCode, map[string]any{
		"game_type":  gameType,
		"scoreboard": scoreboard,
	})
}

// publish ships one event asynchronously. Failures are logged and dropped so
// a broker outage can never stall the session path.
func (p *Publisher) publish(eventType, roomCode string, payload map[string]any) {
	eventID := uuid.NewString()
	env := map[string]any{
		"eventId":   eventID,
		"eventType": eventType,
		"roomCode":  roomCode,
		"timestamp": time.Now().UTC(),
		"payload":   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal relay event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.config.SubjectPrefix, eventType)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
		defer cancel()

		ack, err := p.js.PublishMsg(ctx, &nats.Msg{
			Subject: subject,
			Data:    data,
			Header: nats.Header{
				"Event-Type": []string{eventType},
				"Room-Code":  []string{roomCode},
				"Event-ID":   []string{eventID},
			},
		},
			jetstream.WithMsgID(eventID),
			jetstream.WithExpectStream(p.config.StreamName),
		)
		if err != nil {
			log.Warn().Err(err).
				Str("subject", subject).
				Str("room_code", roomCode).
				Msg("relay publish failed; event dropped")
			return
		}
		log.Debug().
			Str("subject", subject).
			Str("room_code", roomCode).
			Uint64("sequence", ack.Sequence).
			Msg("relay event published")
	}()
}

func (p *Publisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func streamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates
}
