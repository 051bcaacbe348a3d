// Package discord adapts the delivery sink contract to Discord.
//
// The sink is REST-only: sending messages does not require a gateway
// connection, so there is no Open/poll lifecycle here.
package discord

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"pingur/internal/transport"
	logx "pingur/pkg/logx"
)

type Config struct {
	Token      string
	RatePerSec int // outbound message budget; Discord global limits are tighter than ours
}

type Sink struct {
	sess    *discordgo.Session
	limiter *rate.Limiter
	log     logx.Logger

	// DM channels are cached; UserChannelCreate is idempotent but costs a
	// round-trip per delivery otherwise.
	dmMu sync.Mutex
	dm   map[string]string // user id -> dm channel id
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	sess, err := discordgo.New("Bot " + strings.TrimSpace(cfg.Token))
	if err != nil {
		return nil, err
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{
		sess:    sess,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
		dm:      map[string]string{},
	}, nil
}

func (s *Sink) Deliver(ctx context.Context, d transport.Delivery) error {
	kind, id, err := transport.SplitDestination(d.Destination)
	if err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	channelID := id
	if kind == transport.DestDM {
		channelID, err = s.dmChannel(id)
		if err != nil {
			return err
		}
	}

	_, err = s.sess.ChannelMessageSend(channelID, d.Payload, discordgo.WithContext(ctx))
	if err != nil {
		s.log.Debug("discord send failed", logx.String("dest", d.Destination), logx.Err(err))
	}
	return err
}

func (s *Sink) dmChannel(userID string) (string, error) {
	s.dmMu.Lock()
	cached, ok := s.dm[userID]
	s.dmMu.Unlock()
	if ok {
		return cached, nil
	}

	ch, err := s.sess.UserChannelCreate(userID)
	if err != nil {
		return "", err
	}

	s.dmMu.Lock()
	s.dm[userID] = ch.ID
	s.dmMu.Unlock()
	return ch.ID, nil
}
