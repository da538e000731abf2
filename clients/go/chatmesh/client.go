// Package chatmesh is a WebSocket client for a chatmesh server.
package chatmesh

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
)

// ErrClosed is returned by requests on a closed client.
var ErrClosed = errors.New("chatmesh: connection closed")

const writeWait = 10 * time.Second

type request struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type frame struct {
	ID    string          `json:"id"`
	Type  string          `json:"type"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *Error          `json:"error"`
}

// Client is one WebSocket connection. Requests may be issued from multiple
// goroutines; pushes are delivered on Pushes in arrival order.
type Client struct {
	conn   *websocket.Conn
	nextID atomic.Int64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame
	closed  bool
	err     error

	pushes chan Push
	done   chan struct{}

	// Token is the bearer token from the last successful login.
	Token string
	// User is the logged-in account.
	User *User
}

// Option configures Dial.
type Option func(*dialOptions)

type dialOptions struct {
	header     http.Header
	pushBuffer int
	dialer     *websocket.Dialer
}

// WithHeader adds headers to the upgrade request.
func WithHeader(h http.Header) Option {
	return func(o *dialOptions) { o.header = h }
}

// WithPushBuffer sets how many pushes are buffered before the read loop
// blocks.
func WithPushBuffer(n int) Option {
	return func(o *dialOptions) { o.pushBuffer = n }
}

// Dial connects to the WebSocket endpoint at url ("ws://host:8080/ws").
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := dialOptions{pushBuffer: 256, dialer: websocket.DefaultDialer}
	for _, opt := range opts {
		opt(&o)
	}

	conn, _, err := o.dialer.DialContext(ctx, url, o.header)
	if err != nil {
		return nil, fmt.Errorf("chatmesh: dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan frame),
		pushes:  make(chan Push, o.pushBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Pushes returns the channel of server pushes. It is closed when the
// connection ends.
func (c *Client) Pushes() <-chan Push {
	return c.pushes
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.err = err
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.pushes)
		close(c.done)
	}()

	for {
		var data []byte
		if _, data, err = c.conn.ReadMessage(); err != nil {
			return
		}
		var f frame
		if err = json.Unmarshal(data, &f); err != nil {
			return
		}
		if f.Type == "reply" {
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
			continue
		}
		c.pushes <- Push{Type: f.Type, Data: f.Data}
	}
}

// call sends one request and decodes the reply data into out, which may be
// nil.
func (c *Client) call(ctx context.Context, typ string, data, out any) error {
	id := strconv.FormatInt(c.nextID.Inc(), 10)
	ch := make(chan frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteJSON(request{ID: id, Type: typ, Data: data})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("chatmesh: write %s: %w", typ, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if !f.OK {
			if f.Error != nil {
				return f.Error
			}
			return &Error{Code: "internal", Message: "request failed"}
		}
		if out != nil && len(f.Data) > 0 {
			return json.Unmarshal(f.Data, out)
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

type loginResult struct {
	User  *User  `json:"user"`
	Token string `json:"token"`
}

// Login authenticates the connection with a name and password.
func (c *Client) Login(ctx context.Context, name, password string) error {
	var res loginResult
	if err := c.call(ctx, "login", map[string]string{"name": name, "password": password}, &res); err != nil {
		return err
	}
	c.User, c.Token = res.User, res.Token
	return nil
}

// LoginToken authenticates the connection with a bearer token from an
// earlier login.
func (c *Client) LoginToken(ctx context.Context, token string) error {
	var res loginResult
	if err := c.call(ctx, "login", map[string]string{"token": token}, &res); err != nil {
		return err
	}
	c.User = res.User
	c.Token = token
	if res.Token != "" {
		c.Token = res.Token
	}
	return nil
}

// Register creates an account. The connection stays unauthenticated.
func (c *Client) Register(ctx context.Context, name, email, password string) (*User, error) {
	var u User
	err := c.call(ctx, "register", map[string]string{"name": name, "email": email, "password": password}, &u)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateSession creates a session owned by the caller.
func (c *Client) CreateSession(ctx context.Context, name string) (*Session, error) {
	var s Session
	if err := c.call(ctx, "create_session", map[string]string{"name": name}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

type sessionRef struct {
	SessionID int64 `json:"session_id,string"`
}

// Join adds the caller to a session.
func (c *Client) Join(ctx context.Context, sessionID int64) error {
	return c.call(ctx, "join", sessionRef{sessionID}, nil)
}

// Leave removes the caller from a session.
func (c *Client) Leave(ctx context.Context, sessionID int64) error {
	return c.call(ctx, "leave", sessionRef{sessionID}, nil)
}

// Relations lists the caller's sessions.
func (c *Client) Relations(ctx context.Context) ([]Relation, error) {
	var rels []Relation
	err := c.call(ctx, "relations", nil, &rels)
	return rels, err
}

// Send sends a bundle and returns the new message ID.
func (c *Client) Send(ctx context.Context, sessionID int64, bundle Bundle, encrypted bool) (int64, error) {
	var res struct {
		MessageID int64 `json:"message_id,string"`
	}
	err := c.call(ctx, "send", struct {
		SessionID   int64  `json:"session_id,string"`
		Bundle      Bundle `json:"bundle"`
		IsEncrypted bool   `json:"is_encrypted"`
	}{sessionID, bundle, encrypted}, &res)
	return res.MessageID, err
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, sessionID int64, text string) (int64, error) {
	return c.Send(ctx, sessionID, Text(text), false)
}

// Recall recalls one of the caller's messages.
func (c *Client) Recall(ctx context.Context, messageID int64) error {
	return c.call(ctx, "recall", struct {
		MessageID int64 `json:"message_id,string"`
	}{messageID}, nil)
}

// Fetch returns up to limit messages sent after since and whether more
// remain. Use FetchAfter with the last message ID to read the next page.
func (c *Client) Fetch(ctx context.Context, sessionID int64, since time.Time, limit int) ([]Message, bool, error) {
	return c.fetch(ctx, sessionID, since, 0, limit)
}

// FetchAfter returns up to limit messages with IDs above afterID and
// whether more remain.
func (c *Client) FetchAfter(ctx context.Context, sessionID, afterID int64, limit int) ([]Message, bool, error) {
	return c.fetch(ctx, sessionID, time.Time{}, afterID, limit)
}

func (c *Client) fetch(ctx context.Context, sessionID int64, since time.Time, afterID int64, limit int) ([]Message, bool, error) {
	req := struct {
		SessionID int64  `json:"session_id,string"`
		Since     string `json:"since,omitempty"`
		After     int64  `json:"after,string,omitempty"`
		Limit     int    `json:"limit,omitempty"`
	}{SessionID: sessionID, After: afterID, Limit: limit}
	if !since.IsZero() {
		req.Since = since.UTC().Format(time.RFC3339Nano)
	}
	var res struct {
		Messages []Message `json:"messages"`
		More     bool      `json:"more"`
	}
	err := c.call(ctx, "fetch", req, &res)
	return res.Messages, res.More, err
}

// Announcements returns announcements published after since.
func (c *Client) Announcements(ctx context.Context, since time.Time) ([]Announcement, error) {
	req := struct {
		Since string `json:"since,omitempty"`
	}{}
	if !since.IsZero() {
		req.Since = since.UTC().Format(time.RFC3339Nano)
	}
	var list []Announcement
	err := c.call(ctx, "announcements", req, &list)
	return list, err
}

// Ping round-trips a request and returns the server's clock.
func (c *Client) Ping(ctx context.Context) (time.Time, error) {
	var res struct {
		Time time.Time `json:"time"`
	}
	err := c.call(ctx, "ping", nil, &res)
	return res.Time, err
}

// Verify confirms an account with the code delivered at registration.
func (c *Client) Verify(ctx context.Context, userID int64, code string) error {
	return c.call(ctx, "verify", struct {
		UserID int64  `json:"user_id,string"`
		Code   string `json:"code"`
	}{userID, code}, nil)
}

type moderation struct {
	SessionID int64     `json:"session_id,string"`
	UserID    int64     `json:"user_id,string"`
	Until     time.Time `json:"until"`
}

// Mute mutes userID in a session until the given time. userID 0 mutes the
// whole session; a zero until lifts the mute.
func (c *Client) Mute(ctx context.Context, sessionID, userID int64, until time.Time) error {
	return c.call(ctx, "mute", moderation{sessionID, userID, until}, nil)
}

// Ban bans userID from a session until the given time.
func (c *Client) Ban(ctx context.Context, sessionID, userID int64, until time.Time) error {
	return c.call(ctx, "ban", moderation{sessionID, userID, until}, nil)
}

// Profile is another user's public profile.
type Profile struct {
	ID        int64  `json:"id,string"`
	Name      string `json:"name"`
	PublicKey string `json:"public_key,omitempty"`
}

// PublishKey publishes priv's public half as the caller's identity key, so
// other members can wrap room keys to it. The client must be logged in.
func (c *Client) PublishKey(ctx context.Context, priv ed25519.PrivateKey) error {
	if c.User == nil {
		return errors.New("chatmesh: PublishKey requires a logged-in client")
	}
	pub := base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))
	proof := "chatmesh-identity|" + strconv.FormatInt(c.User.ID, 10) + "|" + pub
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(proof)))
	return c.call(ctx, "publish_key", map[string]string{"public_key": pub, "signature": sig}, nil)
}

// Profile returns userID's public profile.
func (c *Client) Profile(ctx context.Context, userID int64) (*Profile, error) {
	var p Profile
	err := c.call(ctx, "profile", struct {
		UserID int64 `json:"user_id,string"`
	}{userID}, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// IdentityKey decodes the profile's published identity key.
func (p *Profile) IdentityKey() (ed25519.PublicKey, error) {
	if p.PublicKey == "" {
		return nil, &CryptoError{Message: fmt.Sprintf("user %d has not published a key", p.ID)}
	}
	raw, err := base64.StdEncoding.DecodeString(p.PublicKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, &CryptoError{Message: "invalid published key"}
	}
	return ed25519.PublicKey(raw), nil
}
