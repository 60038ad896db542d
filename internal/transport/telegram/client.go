package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"tgfleet/internal/transport"
	logx "tgfleet/pkg/logx"
)

// ErrUnsupported is returned for operations the Bot API cannot perform for
// this identity kind (e.g. joining a channel via invite link).
var ErrUnsupported = errors.New("operation not supported by bot-token identity")

// Client implements transport.Client on top of the Telegram Bot API via
// telebot. One Client wraps one bot token; the token doubles as the
// identity's credential.
//
// Note: this adapter performs real network calls on Connect (token
// validation via getMe). Tests use a fake transport.Client instead.
type Client struct {
	key     string
	token   string
	timeout time.Duration
	log     logx.Logger

	bot *tele.Bot
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(c *Client) { c.log = log }
}

func New(key, token string, opts ...Option) *Client {
	c := &Client{key: key, token: token, timeout: 15 * time.Second, log: logx.Nop()}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Connect(ctx context.Context) error {
	if c.bot != nil {
		return nil
	}
	if strings.TrimSpace(c.token) == "" {
		return &transport.AuthError{Reason: "empty token"}
	}

	// tele.NewBot validates the token with a getMe round-trip.
	type result struct {
		bot *tele.Bot
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := tele.NewBot(tele.Settings{
			Token:   c.token,
			Poller:  &tele.LongPoller{Timeout: 10 * time.Second},
			Offline: false,
		})
		ch <- result{bot: b, err: err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return classify(r.err)
		}
		c.bot = r.bot
		c.log.Debug("bot client connected", logx.String("key", c.key))
		return nil
	}
}

func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	_ = ctx
	return c.bot != nil && c.bot.Me != nil, nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	_ = ctx
	if c.bot == nil {
		return nil
	}
	// No long poller was started; dropping the handle is enough.
	c.bot = nil
	return nil
}

func (c *Client) GetSelf(ctx context.Context) (transport.ProfileInfo, error) {
	_ = ctx
	if c.bot == nil || c.bot.Me == nil {
		return transport.ProfileInfo{}, &transport.AuthError{Reason: "not connected"}
	}
	me := c.bot.Me
	return transport.ProfileInfo{
		UserID:    me.ID,
		FirstName: me.FirstName,
		LastName:  me.LastName,
		Username:  me.Username,
	}, nil
}

func (c *Client) SendText(ctx context.Context, target transport.EntityRef, text string) error {
	rcp, err := c.recipient(target)
	if err != nil {
		return err
	}
	_, err = c.bot.Send(rcp, text)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) SendFile(ctx context.Context, target transport.EntityRef, path, caption string) error {
	rcp, err := c.recipient(target)
	if err != nil {
		return err
	}
	doc := &tele.Document{File: tele.FromDisk(path), Caption: caption}
	_, err = c.bot.Send(rcp, doc)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) ResolveEntity(ctx context.Context, raw string) (transport.EntityRef, error) {
	_ = ctx
	ref := transport.ParseTarget(raw)
	if ref.Kind != transport.EntityHandle {
		return ref, nil
	}
	if c.bot == nil {
		return transport.EntityRef{}, &transport.AuthError{Reason: "not connected"}
	}
	chat, err := c.bot.ChatByUsername("@" + ref.Handle)
	if err != nil {
		return transport.EntityRef{}, classify(err)
	}
	ref.ID = chat.ID
	return ref, nil
}

func (c *Client) JoinChannel(ctx context.Context, ref transport.EntityRef) error {
	_ = ctx
	_ = ref
	// Bots are added to chats by admins, they cannot join on their own.
	return ErrUnsupported
}

func (c *Client) recipient(target transport.EntityRef) (tele.Recipient, error) {
	if c.bot == nil {
		return nil, &transport.AuthError{Reason: "not connected"}
	}
	switch target.Kind {
	case transport.EntityID:
		return tele.ChatID(target.ID), nil
	case transport.EntityHandle:
		if target.ID != 0 {
			return tele.ChatID(target.ID), nil
		}
		chat, err := c.bot.ChatByUsername("@" + target.Handle)
		if err != nil {
			return nil, classify(err)
		}
		return chat, nil
	default:
		return nil, ErrUnsupported
	}
}

// classify maps telebot errors onto the transport taxonomy. Flood waits and
// 401s are distinguished; everything else stays opaque (transient).
func classify(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &transport.FloodWaitError{Seconds: fe.RetryAfter}
	}
	if errors.Is(err, tele.ErrUnauthorized) {
		return &transport.AuthError{Reason: err.Error()}
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code == 401 {
		return &transport.AuthError{Reason: te.Description}
	}
	return err
}
