// Package transcribe turns voice notes into text.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BunsDev/flint-khoj-journal-whatsapp/internal/reliability"
)

// Transcriber converts the media at mediaURL into text.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaURL, contentType string) (string, error)
}

var ErrEmptyTranscript = errors.New("transcription returned no text")

const maxMediaBytes = 25 << 20

// IsAudio reports whether a media content type should be transcribed.
func IsAudio(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "audio/")
}

// WhisperTranscriber downloads media from the telephony provider and sends
// it to the OpenAI transcription endpoint.
type WhisperTranscriber struct {
	client     openai.Client
	model      string
	http       *http.Client
	mediaUser  string
	mediaToken string
}

type WhisperConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// MediaUser and MediaToken authenticate media downloads (Twilio account SID and auth token).
	MediaUser  string
	MediaToken string
}

func NewWhisperTranscriber(cfg WhisperConfig) *WhisperTranscriber {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	return &WhisperTranscriber{
		client:     openai.NewClient(opts...),
		model:      model,
		http:       &http.Client{Timeout: 30 * time.Second},
		mediaUser:  cfg.MediaUser,
		mediaToken: cfg.MediaToken,
	}
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, mediaURL, contentType string) (string, error) {
	audio, err := w.download(ctx, mediaURL)
	if err != nil {
		return "", err
	}
	defer audio.Close()

	resp, err := w.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(io.LimitReader(audio, maxMediaBytes), fileName(contentType), contentType),
		Model: openai.AudioModel(w.model),
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcription: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrEmptyTranscript
	}
	return text, nil
}

func (w *WhisperTranscriber) download(ctx context.Context, mediaURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create media request: %w", err)
	}
	if w.mediaUser != "" {
		req.SetBasicAuth(w.mediaUser, w.mediaToken)
	}
	res, err := w.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<10))
		res.Body.Close()
		return nil, fmt.Errorf("download media: %w", &reliability.StatusError{Code: res.StatusCode, Body: string(body)})
	}
	return res.Body, nil
}

func fileName(contentType string) string {
	ext := ".ogg"
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		ext = exts[0]
	}
	switch strings.ToLower(contentType) {
	case "audio/ogg", "audio/ogg; codecs=opus":
		ext = ".ogg"
	case "audio/mpeg":
		ext = ".mp3"
	case "audio/amr":
		ext = ".amr"
	}
	return "voice" + ext
}

// MockTranscriber returns a fixed transcript or error.
type MockTranscriber struct {
	Text  string
	Err   error
	Calls int
}

func (m *MockTranscriber) Transcribe(ctx context.Context, _, _ string) (string, error) {
	m.Calls++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.Err != nil {
		return "", m.Err
	}
	return m.Text, nil
}
