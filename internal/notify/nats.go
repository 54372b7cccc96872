package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type NATSConfig struct {
	URL               string        `json:"url"`
	Name              string        `json:"name"`
	User              string        `json:"user"`
	Password          string        `json:"password"`
	SubjectPrefix     string        `json:"subject_prefix"`
	ReconnectInterval time.Duration `json:"reconnect_interval"`
	MaxReconnects     int           `json:"max_reconnects"`
}

// conn is the part of *nats.Conn the publisher needs.
type conn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

type NATSPublisher struct {
	nc     conn
	prefix string
	log    zerolog.Logger
}

func NewNATSPublisher(cfg NATSConfig, log zerolog.Logger) (*NATSPublisher, error) {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}
	log.Info().Str("url", cfg.URL).Msg("connected to nats")
	return newNATSPublisher(nc, cfg.SubjectPrefix, log), nil
}

func newNATSPublisher(nc conn, prefix string, log zerolog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "ocpp.events"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, log: log}
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	subject := ev.Subject(p.prefix, ".")
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.log.Debug().Str("subject", subject).Msg("published event")
	return nil
}

// Close flushes buffered messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
