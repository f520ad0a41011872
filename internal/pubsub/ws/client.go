package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/skirmish/internal/game/session"
	"github.com/cory-johannsen/skirmish/internal/pubsub"
)

// Dialer is a pubsub.Subscriber backed by a remote Handler.
type Dialer struct {
	baseURL string
	header  http.Header
	cfg     Config
	dialer  *websocket.Dialer
	logger  *zap.Logger
}

// NewDialer creates a Dialer for the server at baseURL (http, https, ws or wss),
// identifying as actor.
//
// Postcondition: Returns an error if baseURL cannot be parsed.
func NewDialer(baseURL string, actor session.Actor, cfg Config, logger *zap.Logger) (*Dialer, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	header := http.Header{}
	actor.SetHeader(header)
	return &Dialer{
		baseURL: strings.TrimRight(u.String(), "/"),
		header:  header,
		cfg:     cfg.withDefaults(),
		dialer:  websocket.DefaultDialer,
		logger:  logger,
	}, nil
}

// Subscribe implements pubsub.Subscriber for combat topics.
// The subscription's channel closes when the connection drops or ctx is done.
func (d *Dialer) Subscribe(ctx context.Context, topic string) (pubsub.Subscription, error) {
	combatID, ok := pubsub.CombatIDFromTopic(topic)
	if !ok {
		return nil, fmt.Errorf("unsupported topic %q", topic)
	}
	endpoint := d.baseURL + "/combats/" + url.PathEscape(combatID) + "/events"

	conn, resp, err := d.dialer.DialContext(ctx, endpoint, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %s: %w", endpoint, resp.Status, err)
		}
		return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
	}

	s := &remoteSubscription{
		conn:     conn,
		messages: make(chan pubsub.Message, 64),
		done:     make(chan struct{}),
		cfg:      d.cfg,
		logger:   d.logger.With(zap.String("topic", topic)),
	}
	s.stop = context.AfterFunc(ctx, func() { _ = s.Close() })
	go s.readLoop()
	return s, nil
}

type remoteSubscription struct {
	conn     *websocket.Conn
	messages chan pubsub.Message
	done     chan struct{}
	once     sync.Once
	stop     func() bool
	cfg      Config
	logger   *zap.Logger
}

func (s *remoteSubscription) Messages() <-chan pubsub.Message { return s.messages }

// Close sends a close frame and tears down the connection.
func (s *remoteSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait))
		err = s.conn.Close()
	})
	return err
}

// readLoop is the only writer of s.messages and closes it on exit.
func (s *remoteSubscription) readLoop() {
	defer close(s.messages)
	defer func() {
		if s.stop != nil {
			s.stop()
		}
		_ = s.Close()
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPingHandler(func(data string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.cfg.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Info("event stream closed", zap.Error(err))
			}
			return
		}
		msg := pubsub.Message{Topic: f.Topic, Event: f.Event, Payload: []byte(f.Payload)}
		select {
		case s.messages <- msg:
		case <-s.done:
			return
		}
	}
}

var _ pubsub.Subscriber = (*Dialer)(nil)
