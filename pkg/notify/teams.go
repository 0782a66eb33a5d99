// Package notify posts a MessageCard summary of an upload to a
// Microsoft Teams incoming webhook. Notification failures are never
// fatal to the workflow; the card is a courtesy, not a record.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/mobilecd/browserstack-uploader/pkg/config"
)

const (
	dashboardURL = "https://app-live.browserstack.com"
	themeColor   = "0078D4"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

type MessageCard struct {
	Type       string    `json:"@type"`
	Context    string    `json:"@context"`
	Summary    string    `json:"summary"`
	ThemeColor string    `json:"themeColor"`
	Sections   []Section `json:"sections"`
	Actions    []Action  `json:"potentialAction,omitempty"`
}

type Section struct {
	ActivityTitle    string `json:"activityTitle"`
	ActivitySubtitle string `json:"activitySubtitle"`
	Text             string `json:"text,omitempty"`
	Facts            []Fact `json:"facts"`
}

type Fact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Action struct {
	Type    string   `json:"@type"`
	Name    string   `json:"name"`
	Targets []Target `json:"targets"`
}

type Target struct {
	OS  string `json:"os"`
	URI string `json:"uri"`
}

// Summary carries everything the card shows.
type Summary struct {
	Platform       string
	AppVariant     string
	Environment    string
	BuildType      string
	Version        string
	OldAppID       string
	NewAppID       string
	PRURL          string
	SourceBuildURL string
	YAMLFile       string
}

type Notifier struct {
	webhookURL string
	mentionQA  bool
	qaGroup    string
	client     *http.Client
	logger     log.Logger
	now        func() time.Time
}

func NewNotifier(cfg config.TeamsConfig, logger log.Logger) *Notifier {
	if cfg.WebhookURL == "" {
		logger.Log("msg", "Teams webhook not configured, notifications disabled")
	}
	return &Notifier{
		webhookURL: cfg.WebhookURL,
		mentionQA:  cfg.MentionQA,
		qaGroup:    cfg.QAGroup,
		client:     httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool { return n.webhookURL != "" }

// Send posts the card and reports whether it was accepted. Any
// failure is logged as a warning and swallowed.
func (n *Notifier) Send(ctx context.Context, s Summary) bool {
	if !n.Enabled() {
		n.logger.Log("msg", "skipping Teams notification, webhook not configured")
		return false
	}

	payload, err := json.Marshal(n.card(s))
	if err != nil {
		n.logger.Log("warning", "could not serialize Teams card", "err", err)
		return false
	}

	req, err := http.NewRequest("POST", n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		n.logger.Log("warning", "could not build Teams request", "err", err)
		return false
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Log("warning", "Teams notification failed", "err", err)
		return false
	}
	defer resp.Body.Close()
	body, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		n.logger.Log("warning", "Teams notification rejected", "status", resp.StatusCode, "body", strings.TrimSpace(string(body)))
		return false
	}

	n.logger.Log("msg", "Teams notification sent")
	return true
}

func (n *Notifier) card(s Summary) MessageCard {
	oldID := s.OldAppID
	if oldID == "" {
		oldID = "N/A"
	}

	section := Section{
		ActivityTitle:    fmt.Sprintf("%s BrowserStack Update - %s", platformEmoji(s.Platform), s.AppVariant),
		ActivitySubtitle: fmt.Sprintf("%s | %s", strings.ToUpper(s.Environment), s.BuildType),
		Facts: []Fact{
			{Name: "Platform:", Value: fmt.Sprintf("`%s`", s.Platform)},
			{Name: "Application:", Value: fmt.Sprintf("`%s`", s.AppVariant)},
			{Name: "Environment:", Value: fmt.Sprintf("`%s`", s.Environment)},
			{Name: "Build Type:", Value: fmt.Sprintf("`%s`", s.BuildType)},
			{Name: "Version:", Value: fmt.Sprintf("`%s`", s.Version)},
			{Name: "YAML File:", Value: fmt.Sprintf("`%s`", s.YAMLFile)},
			{Name: "Old App ID:", Value: fmt.Sprintf("`%s`", oldID)},
			{Name: "New App ID:", Value: fmt.Sprintf("```%s```", s.NewAppID)},
			{Name: "Updated At:", Value: n.now().UTC().Format(time.RFC3339)},
		},
	}
	if n.mentionQA {
		section.Text = fmt.Sprintf("cc: @%s", n.qaGroup)
	}

	var actions []Action
	if s.PRURL != "" {
		actions = append(actions, openURI("View Pull Request", s.PRURL))
	}
	if s.SourceBuildURL != "" {
		actions = append(actions, openURI("Source Build", s.SourceBuildURL))
	}
	actions = append(actions, openURI("BrowserStack Dashboard", dashboardURL))

	return MessageCard{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		Summary:    fmt.Sprintf("BrowserStack Update - %s/%s/%s/%s", s.Platform, s.AppVariant, s.Environment, s.BuildType),
		ThemeColor: themeColor,
		Sections:   []Section{section},
		Actions:    actions,
	}
}

func openURI(name, uri string) Action {
	return Action{
		Type: "OpenUri",
		Name: name,
		Targets: []Target{
			{OS: "default", URI: uri},
		},
	}
}

func platformEmoji(platform string) string {
	switch platform {
	case "android":
		return "\U0001F916" // robot
	case "ios":
		return "\U0001F34E" // red apple
	default:
		return "\U0001F4F1" // mobile phone
	}
}
