package messaging

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// BridgeClient implements Port by driving an external bridge process
// over JSON-RPC on stdin/stdout, the same shape as the teacher's
// internal/signal.Client talking to signal-cli. The bridge process is
// responsible for the actual platform wire protocol (spec.md's
// Non-goals exclude building that protocol here); this client only
// knows the JSON-RPC methods below.
type BridgeClient struct {
	command string
	args    []string
	logger  *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan bridgeResponse

	done    chan struct{}
	waitErr chan error
}

type bridgeResponse struct {
	Result json.RawMessage
	Error  *bridgeError
}

type bridgeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *bridgeError) Error() string {
	return fmt.Sprintf("messaging bridge rpc error %d: %s", e.Code, e.Message)
}

type bridgeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type bridgeRaw struct {
	ID     *int64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *bridgeError    `json:"error,omitempty"`
}

// NewBridgeClient constructs a client for a not-yet-started bridge
// subprocess. Call Start before issuing any Port call.
func NewBridgeClient(command string, args []string, logger *slog.Logger) *BridgeClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &BridgeClient{
		command: command,
		args:    args,
		logger:  logger,
		pending: make(map[int64]chan bridgeResponse),
		done:    make(chan struct{}),
		waitErr: make(chan error, 1),
	}
}

// Start launches the bridge subprocess and begins reading its replies.
func (c *BridgeClient) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create bridge stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create bridge stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create bridge stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start messaging bridge: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.reader = bufio.NewReaderSize(stdout, 1<<20)

	go c.drainStderr(stderr)
	go c.readLoop()
	go func() {
		err := cmd.Wait()
		c.waitErr <- err
	}()

	c.logger.Info("messaging bridge started", "command", c.command, "pid", cmd.Process.Pid)
	return nil
}

// Close shuts down the bridge process gracefully, force-killing after a
// grace period.
func (c *BridgeClient) Close() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	if c.stdin != nil {
		c.stdin.Close()
	}
	select {
	case err := <-c.waitErr:
		return err
	case <-time.After(5 * time.Second):
		_ = c.cmd.Process.Kill()
		<-c.waitErr
		return nil
	}
}

func (c *BridgeClient) call(ctx context.Context, method string, params any, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	id := c.nextID.Add(1)
	ch := make(chan bridgeResponse, 1)

	c.mu.Lock()
	c.pending[id] = ch
	req := bridgeRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("marshal bridge request: %w", err)
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("write to bridge stdin: %w", err)
	}
	c.mu.Unlock()

	var resp bridgeResponse
	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case resp = <-ch:
	case <-c.done:
		return fmt.Errorf("messaging bridge process exited")
	}

	if resp.Error != nil {
		if fw, ok := floodWaitFromBridgeError(resp.Error); ok {
			return fw
		}
		return resp.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// floodWaitFromBridgeError maps the bridge's flood-wait error code
// (4029, an HTTP-429-shaped convention chosen for this bridge protocol)
// to a FloodWaitError carrying the platform-reported backoff seconds
// out of Message.
func floodWaitFromBridgeError(e *bridgeError) (*FloodWaitError, bool) {
	const floodWaitCode = 4029
	if e.Code != floodWaitCode {
		return nil, false
	}
	var seconds int
	if _, err := fmt.Sscanf(e.Message, "retry_after=%d", &seconds); err != nil {
		return &FloodWaitError{Seconds: 30}, true
	}
	return &FloodWaitError{Seconds: seconds}, true
}

func (c *BridgeClient) readLoop() {
	defer close(c.done)
	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			c.mu.Lock()
			for id, ch := range c.pending {
				ch <- bridgeResponse{Error: &bridgeError{Code: -1, Message: "bridge process exited"}}
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}

		var raw bridgeRaw
		if err := json.Unmarshal(line, &raw); err != nil {
			c.logger.Debug("messaging bridge non-JSON line", "line", string(line))
			continue
		}
		if raw.ID == nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*raw.ID]
		if ok {
			delete(c.pending, *raw.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- bridgeResponse{Result: raw.Result, Error: raw.Error}
		}
	}
}

func (c *BridgeClient) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug("messaging bridge stderr", "line", scanner.Text())
	}
}

type bridgeMessage struct {
	ID        int64  `json:"id"`
	Channel   string `json:"channel"`
	Text      string `json:"text"`
	HasMedia  bool   `json:"hasMedia"`
	MediaKind string `json:"mediaKind"`
	AlbumID   string `json:"albumId"`
	FromID    int64  `json:"fromId"`
	SentAtUTC string `json:"sentAtUtc"`
	IsBot     bool   `json:"isBot"`
}

func (m bridgeMessage) toMessage() Message {
	sentAt, _ := time.Parse(time.RFC3339, m.SentAtUTC)
	return Message{
		ID:        m.ID,
		Channel:   m.Channel,
		Text:      m.Text,
		HasMedia:  m.HasMedia,
		MediaKind: MediaKind(m.MediaKind),
		AlbumID:   m.AlbumID,
		FromID:    m.FromID,
		SentAt:    sentAt,
		IsBot:     m.IsBot,
	}
}

func (c *BridgeClient) FetchHistorySince(ctx context.Context, account, channel string, minID int64, limit int) ([]Message, error) {
	var out []bridgeMessage
	if err := c.call(ctx, "fetchHistorySince", map[string]any{
		"account": account,
		"channel": channel,
		"minId":   minID,
		"limit":   limit,
	}, &out); err != nil {
		return nil, fmt.Errorf("bridge fetchHistorySince: %w", err)
	}
	msgs := make([]Message, len(out))
	for i, m := range out {
		msgs[i] = m.toMessage()
	}
	return msgs, nil
}

func (c *BridgeClient) DownloadPhoto(ctx context.Context, account string, msg Message) ([]byte, error) {
	var out struct {
		DataBase64 string `json:"dataBase64"`
	}
	if err := c.call(ctx, "downloadPhoto", map[string]any{
		"account":   account,
		"channel":   msg.Channel,
		"messageId": msg.ID,
	}, &out); err != nil {
		return nil, fmt.Errorf("bridge downloadPhoto: %w", err)
	}
	return base64.StdEncoding.DecodeString(out.DataBase64)
}

func (c *BridgeClient) SendText(ctx context.Context, account, channel, text string, replyTo int64) (Message, error) {
	var out bridgeMessage
	params := map[string]any{"account": account, "channel": channel, "text": text}
	if replyTo != 0 {
		params["replyTo"] = replyTo
	}
	if err := c.call(ctx, "sendText", params, &out); err != nil {
		return Message{}, fmt.Errorf("bridge sendText: %w", err)
	}
	return out.toMessage(), nil
}

func (c *BridgeClient) SendMedia(ctx context.Context, account, channel string, media Media, caption string) (Message, error) {
	var out bridgeMessage
	if err := c.call(ctx, "sendMedia", map[string]any{
		"account":    account,
		"channel":    channel,
		"mediaKind":  string(media.Kind),
		"dataBase64": base64.StdEncoding.EncodeToString(media.Data),
		"caption":    caption,
	}, &out); err != nil {
		return Message{}, fmt.Errorf("bridge sendMedia: %w", err)
	}
	return out.toMessage(), nil
}

func (c *BridgeClient) SendAlbum(ctx context.Context, account, channel string, media []Media, caption string) ([]Message, error) {
	items := make([]map[string]any, len(media))
	for i, m := range media {
		items[i] = map[string]any{
			"mediaKind":  string(m.Kind),
			"dataBase64": base64.StdEncoding.EncodeToString(m.Data),
		}
	}
	var out []bridgeMessage
	if err := c.call(ctx, "sendAlbum", map[string]any{
		"account": account,
		"channel": channel,
		"media":   items,
		"caption": caption,
	}, &out); err != nil {
		return nil, fmt.Errorf("bridge sendAlbum: %w", err)
	}
	msgs := make([]Message, len(out))
	for i, m := range out {
		msgs[i] = m.toMessage()
	}
	return msgs, nil
}

func (c *BridgeClient) SetReaction(ctx context.Context, account, channel string, msgID int64, emoji string) error {
	if err := c.call(ctx, "setReaction", map[string]any{
		"account":   account,
		"channel":   channel,
		"messageId": msgID,
		"emoji":     emoji,
	}, nil); err != nil {
		return fmt.Errorf("bridge setReaction: %w", err)
	}
	return nil
}

func (c *BridgeClient) AllowedReactions(ctx context.Context, account, channel string) ([]string, error) {
	var out struct {
		Emojis []string `json:"emojis"`
	}
	if err := c.call(ctx, "allowedReactions", map[string]any{
		"account": account,
		"channel": channel,
	}, &out); err != nil {
		return nil, fmt.Errorf("bridge allowedReactions: %w", err)
	}
	return out.Emojis, nil
}

func (c *BridgeClient) Identify(ctx context.Context, account string) (Identity, error) {
	var out Identity
	if err := c.call(ctx, "identify", map[string]any{"account": account}, &out); err != nil {
		return Identity{}, fmt.Errorf("bridge identify: %w", err)
	}
	return out, nil
}
