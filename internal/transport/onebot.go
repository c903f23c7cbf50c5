package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gpt-relay-bot-go/internal/config"
	"github.com/gpt-relay-bot-go/internal/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	oneBotChunkSize = 1000
	oneBotChunkGap  = 200 * time.Millisecond
	oneBotRetry     = 10 * time.Second
)

var entityRe = regexp.MustCompile(`&#(\d+);`)

// OneBot talks to a CQHTTP compatible gateway: events arrive on a
// forward websocket and actions are written back on the same socket.
type OneBot struct {
	cfg        *config.OneBotConfig
	dialer     *websocket.Dialer
	client     *http.Client
	pacer      *rate.Limiter
	retryDelay time.Duration
	logger     *logrus.Logger
	metrics    *middleware.Metrics

	mu     sync.Mutex // guards conn writes
	conn   *websocket.Conn
	selfID string
}

type loginInfo struct {
	UserID   json.Number `json:"user_id"`
	Nickname string      `json:"nickname"`
}

type oneBotEvent struct {
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	MessageID   json.Number     `json:"message_id"`
	UserID      json.Number     `json:"user_id"`
	GroupID     json.Number     `json:"group_id"`
	Message     json.RawMessage `json:"message"`
	RawMessage  string          `json:"raw_message"`
}

type oneBotAction struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

func NewOneBot(cfg *config.OneBotConfig, logger *logrus.Logger) *OneBot {
	return &OneBot{
		cfg:        cfg,
		dialer:     websocket.DefaultDialer,
		client:     &http.Client{Timeout: 10 * time.Second},
		pacer:      rate.NewLimiter(rate.Every(oneBotChunkGap), 1),
		retryDelay: oneBotRetry,
		logger:     logger,
		metrics:    middleware.NewMetrics(),
	}
}

// Run connects, retrying until the gateway accepts, and then serves events
// until ctx is cancelled or the socket closes.
func (b *OneBot) Run(ctx context.Context, handler Handler) error {
	if err := b.connect(ctx); err != nil {
		return err
	}

	info, err := b.loginInfo(ctx)
	if err != nil {
		b.Close()
		return fmt.Errorf("failed to get login info: %w", err)
	}
	b.selfID = info.UserID.String()
	b.logger.WithFields(logrus.Fields{
		"user_id":  b.selfID,
		"nickname": info.Nickname,
	}).Info("OneBot login info loaded")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			b.Close()
		case <-done:
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}

		msg, ok := b.decode(data)
		if !ok {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := handler(ctx, msg)
			if reply == "" {
				return
			}
			if err := b.reply(ctx, msg, reply); err != nil {
				b.logger.WithError(err).WithField("sender", msg.SenderID).Error("Failed to send reply")
			}
		}()
	}
}

func (b *OneBot) connect(ctx context.Context) error {
	b.logger.WithField("url", b.cfg.WSURL).Info("Connecting to OneBot")
	for {
		conn, _, err := b.dialer.DialContext(ctx, b.cfg.WSURL, nil)
		if err == nil {
			b.mu.Lock()
			b.conn = conn
			b.mu.Unlock()
			b.logger.Info("OneBot connected")
			return nil
		}

		b.logger.WithError(err).Errorf("OneBot connection failed, retrying in %s", b.retryDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.retryDelay):
		}
	}
}

func (b *OneBot) loginInfo(ctx context.Context) (*loginInfo, error) {
	url := strings.TrimRight(b.cfg.HTTPURL, "/") + "/get_login_info"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Data loginInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.Data.UserID == "" {
		return nil, fmt.Errorf("login info has no user_id")
	}
	return &body.Data, nil
}

// decode turns a websocket frame into a Message. Action responses,
// heartbeats and notices report false.
func (b *OneBot) decode(data []byte) (*Message, bool) {
	var ev oneBotEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		b.logger.WithError(err).Debug("Ignoring malformed OneBot frame")
		return nil, false
	}
	if ev.PostType != "message" {
		return nil, false
	}

	// message is either a CQ string or a segment array, raw_message is always a string
	var text string
	if err := json.Unmarshal(ev.Message, &text); err != nil {
		text = ev.RawMessage
	}
	if text == "" {
		return nil, false
	}

	msg := &Message{
		SenderID:  ev.UserID.String(),
		MessageID: ev.MessageID.String(),
	}
	switch ev.MessageType {
	case "private":
	case "group":
		msg.GroupID = ev.GroupID.String()
		at := "[CQ:at,qq=" + b.selfID + "]"
		if strings.Contains(text, at) {
			msg.Mentioned = true
			text = strings.ReplaceAll(text, at+" ", "")
			text = strings.ReplaceAll(text, at, "")
		}
	default:
		return nil, false
	}

	msg.Text = decodeEntities(text)
	return msg, true
}

func decodeEntities(s string) string {
	s = entityRe.ReplaceAllStringFunc(s, func(m string) string {
		code, err := strconv.Atoi(entityRe.FindStringSubmatch(m)[1])
		if err != nil {
			return m
		}
		return string(rune(code))
	})
	return strings.ReplaceAll(s, "&amp;", "&")
}

// reply quotes the source message and sends text in paced chunks
func (b *OneBot) reply(ctx context.Context, msg *Message, text string) error {
	if msg.MessageID != "" {
		text = "[CQ:reply,id=" + msg.MessageID + "]" + text
	}

	action := oneBotAction{Action: "send_private_msg", Params: map[string]any{"user_id": json.Number(msg.SenderID)}}
	if msg.IsGroup() {
		action = oneBotAction{Action: "send_group_msg", Params: map[string]any{"group_id": json.Number(msg.GroupID)}}
	}

	for _, chunk := range Chunk(text, oneBotChunkSize) {
		if err := b.pacer.Wait(ctx); err != nil {
			return err
		}
		action.Params["message"] = chunk
		if err := b.write(action); err != nil {
			b.metrics.RecordReplySent("onebot", "error")
			return err
		}
		b.metrics.RecordReplySent("onebot", "success")
	}
	return nil
}

func (b *OneBot) write(v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return ErrDisconnected
	}
	return b.conn.WriteJSON(v)
}

// RenderImage embeds url as a CQ image code
func (b *OneBot) RenderImage(url string) string {
	return "[CQ:image,file=" + url + "]"
}

func (b *OneBot) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
