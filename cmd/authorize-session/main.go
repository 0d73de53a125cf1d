// Package main implements a standalone CLI for pairing a new account's
// reader/writer session out-of-band, before it is declared in
// accounts.json. Driving the real login handshake (phone number,
// confirmation code, 2FA) is the messaging bridge subprocess's job —
// spec.md's Non-goals exclude this service from speaking the platform
// wire protocol directly. This tool only renders the pairing QR code
// the bridge emits and persists the resulting session string.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/romanmihailow/tg-pipeline-engine/internal/config"
)

func main() {
	bridgeCmd := flag.String("bridge", "tg-bridge", "path to the messaging bridge binary")
	accountsFile := flag.String("accounts", "./data/accounts.json", "path to accounts.json")
	name := flag.String("name", "", "account name to pair (must already exist, or will be appended)")
	asWriter := flag.Bool("writer", false, "pair a separate writer session instead of the reader session")
	pngOut := flag.String("png", "", "also write the pairing QR code to this PNG file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *name == "" {
		fmt.Fprintln(os.Stderr, "authorize-session: -name is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, apiID, apiHash, err := pairSession(ctx, *bridgeCmd, *name, logger, *pngOut)
	if err != nil {
		logger.Error("pairing failed", "error", err)
		os.Exit(1)
	}

	if err := persistSession(*accountsFile, *name, *asWriter, config.Credentials{
		APIID:   apiID,
		APIHash: apiHash,
		Session: session,
	}); err != nil {
		logger.Error("failed to persist session", "error", err)
		os.Exit(1)
	}

	fmt.Printf("paired %q — session saved to %s\n", *name, *accountsFile)
}

// bridgeLoginEvent is one line of the bridge's login-flow stdout
// stream: first a pairing URL to render as a QR code, then (after the
// user confirms the link-device prompt in their own app) the resulting
// session string.
type bridgeLoginEvent struct {
	Type       string `json:"type"` // "qr" | "session" | "error"
	PairingURL string `json:"pairingUrl,omitempty"`
	Session    string `json:"session,omitempty"`
	APIID      int    `json:"apiId,omitempty"`
	APIHash    string `json:"apiHash,omitempty"`
	Message    string `json:"message,omitempty"`
}

// pairSession runs "<bridge> login <account>", rendering each QR
// pairing link the bridge emits until it reports a completed session.
// The bridge may emit several QR events in a row (the platform's
// pairing links expire after a short window and get reissued).
func pairSession(ctx context.Context, bridgeCmd, account string, logger *slog.Logger, pngOut string) (session string, apiID int, apiHash string, err error) {
	cmd := exec.CommandContext(ctx, bridgeCmd, "login", account)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", 0, "", fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return "", 0, "", fmt.Errorf("start bridge login: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var ev bridgeLoginEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			logger.Warn("ignoring unparseable bridge login line", "line", line)
			continue
		}

		switch ev.Type {
		case "qr":
			if err := renderPairingQR(ev.PairingURL, pngOut); err != nil {
				logger.Warn("failed to render QR code", "error", err)
			}
			fmt.Println("scan the QR code above in your messaging app's linked-devices flow.")
			fmt.Println("pairing link:", ev.PairingURL)
		case "session":
			_ = cmd.Wait()
			return ev.Session, ev.APIID, ev.APIHash, nil
		case "error":
			_ = cmd.Process.Kill()
			return "", 0, "", fmt.Errorf("bridge reported login error: %s", ev.Message)
		default:
			logger.Warn("unknown bridge login event", "type", ev.Type)
		}
	}

	if err := scanner.Err(); err != nil {
		return "", 0, "", fmt.Errorf("read bridge login output: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return "", 0, "", fmt.Errorf("bridge login exited without reporting a session: %w", err)
	}
	return "", 0, "", fmt.Errorf("bridge login exited without reporting a session")
}

// renderPairingQR prints the pairing URL as a QR code directly in the
// terminal (half-block Unicode squares, two source rows per printed
// line) and optionally also writes it as a PNG file.
func renderPairingQR(pairingURL, pngOut string) error {
	qr, err := qrcode.New(pairingURL, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encode qr: %w", err)
	}
	qr.DisableBorder = false

	if pngOut != "" {
		if err := qr.WriteFile(256, pngOut); err != nil {
			return fmt.Errorf("write qr png: %w", err)
		}
	}

	fmt.Println(renderBitmapTerminal(qr.Bitmap()))
	return nil
}

// renderBitmapTerminal draws a QR bitmap using Unicode half-block
// characters so two module rows fit on one terminal line.
func renderBitmapTerminal(bitmap [][]bool) string {
	var b strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		for x := 0; x < len(bitmap[y]); x++ {
			top := bitmap[y][x]
			bottom := false
			if y+1 < len(bitmap) {
				bottom = bitmap[y+1][x]
			}
			b.WriteRune(blockFor(top, bottom))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func blockFor(top, bottom bool) rune {
	switch {
	case top && bottom:
		return '█'
	case top && !bottom:
		return '▀'
	case !top && bottom:
		return '▄'
	default:
		return ' '
	}
}

// persistSession loads accounts.json, updates the matching account's
// reader (or writer) credentials, and writes the file back. A brand
// new account name is appended with behavior level 3 (the middle
// profile) pending manual tuning.
func persistSession(path, name string, asWriter bool, creds config.Credentials) error {
	specs, err := config.LoadAccounts(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load accounts: %w", err)
	}

	found := false
	for i := range specs {
		if specs[i].Name != name {
			continue
		}
		found = true
		if asWriter {
			specs[i].Writer = &creds
		} else {
			specs[i].Reader = creds
		}
	}
	if !found {
		spec := config.AccountSpec{
			Name:          name,
			BehaviorLevel: 3,
		}
		if asWriter {
			spec.Writer = &creds
		} else {
			spec.Reader = creds
		}
		specs = append(specs, spec)
	}

	data, err := json.MarshalIndent(specs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp accounts file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace accounts file: %w", err)
	}
	return nil
}

