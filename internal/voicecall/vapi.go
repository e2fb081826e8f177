package voicecall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuongbtq/carecall/internal/config"
)

// Defaults applied to empty VoiceCallConfig fields
const (
	DefaultBaseURL             = "https://api.vapi.ai"
	DefaultTimeout             = 30 * time.Second
	DefaultAssistantName       = "MediTech AI Assistant"
	DefaultSystemPrompt        = "You are a helpful medical assistant reminding patients about their medications and health goals. Be friendly, professional, and clear. Ask the patient to confirm they have taken their medication. Keep responses brief."
	DefaultModelProvider       = "openai"
	DefaultModel               = "gpt-3.5-turbo"
	DefaultVoiceProvider       = "vapi"
	DefaultVoiceID             = "Lily"
	DefaultTranscriberProvider = "deepgram"
	DefaultTranscriberModel    = "nova-2"
	DefaultTranscriberLanguage = "en"
	DefaultEndCallMessage      = "Thank you! Stay healthy and take care."
	DefaultSilenceTimeout      = 30 * time.Second
	DefaultMaxDuration         = 5 * time.Minute
)

// DefaultEndCallPhrases end the conversation when spoken by the patient
var DefaultEndCallPhrases = []string{"goodbye", "bye", "thank you bye", "that's all", "thanks"}

type callRequest struct {
	Assistant     assistant `json:"assistant"`
	PhoneNumberID string    `json:"phoneNumberId"`
	Customer      customer  `json:"customer"`
}

type assistant struct {
	Name                  string      `json:"name"`
	FirstMessage          string      `json:"firstMessage"`
	Model                 model       `json:"model"`
	Voice                 voice       `json:"voice"`
	Transcriber           transcriber `json:"transcriber"`
	EndCallMessage        string      `json:"endCallMessage"`
	EndCallPhrases        []string    `json:"endCallPhrases"`
	RecordingEnabled      bool        `json:"recordingEnabled"`
	SilenceTimeoutSeconds int         `json:"silenceTimeoutSeconds"`
	MaxDurationSeconds    int         `json:"maxDurationSeconds"`
}

type model struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Messages []modelMessage `json:"messages"`
}

type modelMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type voice struct {
	Provider string `json:"provider"`
	VoiceID  string `json:"voiceId"`
}

type transcriber struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Language string `json:"language"`
}

type customer struct {
	Number string `json:"number"`
}

type callResponse struct {
	ID string `json:"id"`
}

// Client is the VAPI implementation of Gateway
type Client struct {
	cfg        config.VoiceCallConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a VAPI client. Empty settings fall back to the defaults
// above; cfg is copied.
func NewClient(cfg config.VoiceCallConfig, logger *slog.Logger) *Client {
	cfg = withDefaults(cfg)

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

func withDefaults(cfg config.VoiceCallConfig) config.VoiceCallConfig {
	setDefault := func(field *string, value string) {
		if *field == "" {
			*field = value
		}
	}

	setDefault(&cfg.BaseURL, DefaultBaseURL)
	setDefault(&cfg.AssistantName, DefaultAssistantName)
	setDefault(&cfg.SystemPrompt, DefaultSystemPrompt)
	setDefault(&cfg.ModelProvider, DefaultModelProvider)
	setDefault(&cfg.Model, DefaultModel)
	setDefault(&cfg.VoiceProvider, DefaultVoiceProvider)
	setDefault(&cfg.VoiceID, DefaultVoiceID)
	setDefault(&cfg.TranscriberProvider, DefaultTranscriberProvider)
	setDefault(&cfg.TranscriberModel, DefaultTranscriberModel)
	setDefault(&cfg.TranscriberLanguage, DefaultTranscriberLanguage)
	setDefault(&cfg.EndCallMessage, DefaultEndCallMessage)

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if len(cfg.EndCallPhrases) == 0 {
		cfg.EndCallPhrases = DefaultEndCallPhrases
	}
	if cfg.RecordingEnabled == nil {
		enabled := true
		cfg.RecordingEnabled = &enabled
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}

	return cfg
}

func (c *Client) buildRequest(phone, message string) callRequest {
	return callRequest{
		Assistant: assistant{
			Name:         c.cfg.AssistantName,
			FirstMessage: message,
			Model: model{
				Provider: c.cfg.ModelProvider,
				Model:    c.cfg.Model,
				Messages: []modelMessage{{Role: "system", Content: c.cfg.SystemPrompt}},
			},
			Voice: voice{
				Provider: c.cfg.VoiceProvider,
				VoiceID:  c.cfg.VoiceID,
			},
			Transcriber: transcriber{
				Provider: c.cfg.TranscriberProvider,
				Model:    c.cfg.TranscriberModel,
				Language: c.cfg.TranscriberLanguage,
			},
			EndCallMessage:        c.cfg.EndCallMessage,
			EndCallPhrases:        c.cfg.EndCallPhrases,
			RecordingEnabled:      *c.cfg.RecordingEnabled,
			SilenceTimeoutSeconds: int(c.cfg.SilenceTimeout / time.Second),
			MaxDurationSeconds:    int(c.cfg.MaxDuration / time.Second),
		},
		PhoneNumberID: c.cfg.PhoneNumberID,
		Customer:      customer{Number: phone},
	}
}

// PlaceCall starts an outbound call that opens with message. Transport errors
// and non-2xx responses come back as an unsuccessful CallResult.
func (c *Client) PlaceCall(ctx context.Context, phone, message, patientName string) (*CallResult, error) {
	body, err := json.Marshal(c.buildRequest(phone, message))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal call payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create call request")
	}
	c.setHeaders(req)

	c.logger.Info("Initiating voice call",
		slog.String("patient_name", patientName),
		slog.String("phone", phone),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Voice call request failed", slog.String("error", err.Error()))
		return &CallResult{Success: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("Failed to read voice call response", slog.String("error", err.Error()))
		return &CallResult{Success: false, Error: err.Error()}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := upstreamMessage(respBody, resp.Status)
		c.logger.Error("Voice call rejected",
			slog.Int("status_code", resp.StatusCode),
			slog.String("error", msg),
		)
		return &CallResult{Success: false, Error: msg}, nil
	}

	var created callResponse
	if err := json.Unmarshal(respBody, &created); err != nil {
		c.logger.Error("Failed to decode voice call response", slog.String("error", err.Error()))
		return &CallResult{Success: false, Error: fmt.Sprintf("invalid response body: %v", err)}, nil
	}

	c.logger.Info("Voice call initiated", slog.String("call_id", created.ID))

	return &CallResult{Success: true, CallID: created.ID}, nil
}

// GetCallStatus fetches the provider record of a call
func (c *Client) GetCallStatus(ctx context.Context, callID string) (*CallStatus, error) {
	if callID == "" {
		return nil, errors.New("call id is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/call/"+url.PathEscape(callID), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create call status request")
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get call status")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read call status")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Newf("failed to get call status %s: %s", callID, upstreamMessage(respBody, resp.Status))
	}

	var status CallStatus
	if err := json.Unmarshal(respBody, &status); err != nil {
		return nil, errors.Wrap(err, "failed to decode call status")
	}
	status.Raw = respBody

	return &status, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
}

// upstreamMessage extracts the provider's error message. VAPI sends either a
// string or a list of validation messages.
func upstreamMessage(body []byte, fallback string) string {
	var payload struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Message) == 0 {
		return fallback
	}

	var single string
	if err := json.Unmarshal(payload.Message, &single); err == nil && single != "" {
		return single
	}

	var list []string
	if err := json.Unmarshal(payload.Message, &list); err == nil && len(list) > 0 {
		return strings.Join(list, "; ")
	}

	return fallback
}
