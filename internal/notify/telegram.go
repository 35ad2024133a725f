// Package notify implements the Notifier (spec §4.11): best-effort
// Telegram dispatch of operator-facing text and file attachments, fanned
// out to every configured recipient independently so one chat's failure
// never blocks another's.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Notifier sends text messages and file attachments to one or more
// Telegram chats via the Bot API, grounded on
// GoPolymarket-polymarket-trader's internal/notify/telegram.go, generalized
// to multi-recipient fan-out and document attachments (spec §4.11, §6).
type Notifier struct {
	botToken   string
	chatIDs    []string
	httpClient *http.Client
	logger     *log.Logger
	enabled    bool
	baseURL    string // overridable for tests; defaults to the Telegram API
}

// New constructs a Notifier. Notifications are a no-op (but never an
// error) when botToken is blank or chatIDs is empty — spec §4.11's
// "best-effort" guarantee extends to a wholly unconfigured notifier.
func New(botToken string, chatIDs []string, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.Default()
	}
	return &Notifier{
		botToken:   botToken,
		chatIDs:    chatIDs,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		enabled:    botToken != "" && len(chatIDs) > 0,
	}
}

// Enabled reports whether the notifier has credentials and recipients.
func (n *Notifier) Enabled() bool { return n.enabled }

func (n *Notifier) apiURL(method string) string {
	if n.baseURL != "" {
		return n.baseURL + "/bot" + n.botToken + "/" + method
	}
	return "https://api.telegram.org/bot" + n.botToken + "/" + method
}

// Notify sends text to every configured recipient, logging a concise
// categorized echo of each successful send (spec §4.11) and swallowing
// every failure — notifications are always best-effort (spec §7).
func (n *Notifier) Notify(text string) {
	n.Send(context.Background(), "message", text)
}

// Send posts text to every recipient under category, a short label (e.g.
// "submit-success", "fill", "connection-lost") used only for the log echo.
func (n *Notifier) Send(ctx context.Context, category, text string) {
	if !n.enabled {
		return
	}
	for _, chatID := range n.chatIDs {
		if err := n.sendMessage(ctx, chatID, text); err != nil {
			n.logger.Printf("Telegram[%s] send to %s failed: %v", category, chatID, err)
			continue
		}
		n.logger.Printf("Telegram[%s] sent", category)
	}
}

func (n *Notifier) sendMessage(ctx context.Context, chatID, text string) error {
	vals := url.Values{
		"chat_id":    {chatID},
		"text":       {text},
		"parse_mode": {"HTML"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.apiURL("sendMessage"), nil)
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.URL.RawQuery = vals.Encode()

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	defer resp.Body.Close()
	return checkTelegramResponse(resp)
}

// SendDocument dispatches a file as a document attachment with a caption
// to every recipient (spec §6, §4.10's report dispatch). It returns the
// last per-recipient error, if any, so callers like the report builder can
// log a single failure summary; sends already attempted are not undone.
func (n *Notifier) SendDocument(ctx context.Context, category, path, caption string) error {
	if !n.enabled {
		return nil
	}
	var lastErr error
	for _, chatID := range n.chatIDs {
		if err := n.sendDocument(ctx, chatID, path, caption); err != nil {
			n.logger.Printf("Telegram[%s] document send to %s failed: %v", category, chatID, err)
			lastErr = err
			continue
		}
		n.logger.Printf("Telegram[%s] sent", category)
	}
	return lastErr
}

func (n *Notifier) sendDocument(ctx context.Context, chatID, path, caption string) error {
	f, err := os.Open(path) // #nosec G304 -- path is a report file generated by this process
	if err != nil {
		return fmt.Errorf("notify: opening %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_id", chatID); err != nil {
		return fmt.Errorf("notify: writing chat_id field: %w", err)
	}
	if caption != "" {
		if err := mw.WriteField("caption", caption); err != nil {
			return fmt.Errorf("notify: writing caption field: %w", err)
		}
	}
	part, err := mw.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("notify: creating form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("notify: copying file contents: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("notify: closing multipart writer: %w", err)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(uploadCtx, http.MethodPost, n.apiURL("sendDocument"), &buf)
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send document: %w", err)
	}
	defer resp.Body.Close()
	return checkTelegramResponse(resp)
}

func checkTelegramResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var body struct {
		Description string `json:"description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return fmt.Errorf("telegram %d: %s", resp.StatusCode, body.Description)
}
