package notify

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobilecd/browserstack-uploader/pkg/config"
)

func testSummary() Summary {
	return Summary{
		Platform:       "android",
		AppVariant:     "retail",
		Environment:    "staging",
		BuildType:      "Release",
		Version:        "2.5.0",
		OldAppID:       "bs://old",
		NewAppID:       "bs://new",
		PRURL:          "https://github.com/org/repo/pull/42",
		SourceBuildURL: "https://ci.example.com/build/99",
		YAMLFile:       "browserstack_retail_Android.yml",
	}
}

func newNotifier(url string) *Notifier {
	n := NewNotifier(config.TeamsConfig{
		WebhookURL: url,
		MentionQA:  true,
		QAGroup:    "QA Group",
	}, log.NewNopLogger())
	n.now = func() time.Time { return time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC) }
	return n
}

func TestSendPostsMessageCard(t *testing.T) {
	var received MessageCard
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := ioutil.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := newNotifier(server.URL)
	assert.True(t, n.Send(context.Background(), testSummary()))

	assert.Equal(t, "MessageCard", received.Type)
	assert.Equal(t, "0078D4", received.ThemeColor)
	require.Len(t, received.Sections, 1)
	section := received.Sections[0]
	assert.Equal(t, "cc: @QA Group", section.Text)

	facts := map[string]string{}
	for _, f := range section.Facts {
		facts[f.Name] = f.Value
	}
	assert.Equal(t, "`android`", facts["Platform:"])
	assert.Equal(t, "`retail`", facts["Application:"])
	assert.Equal(t, "```bs://new```", facts["New App ID:"])
	assert.Equal(t, "2021-03-04T05:06:07Z", facts["Updated At:"])

	require.Len(t, received.Actions, 3)
	assert.Equal(t, "View Pull Request", received.Actions[0].Name)
	assert.Equal(t, "Source Build", received.Actions[1].Name)
	assert.Equal(t, "BrowserStack Dashboard", received.Actions[2].Name)
	assert.Equal(t, dashboardURL, received.Actions[2].Targets[0].URI)
}

func TestSendOmitsActionsWithoutURLs(t *testing.T) {
	var received MessageCard
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := ioutil.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
	}))
	defer server.Close()

	s := testSummary()
	s.PRURL = ""
	s.SourceBuildURL = ""

	n := newNotifier(server.URL)
	assert.True(t, n.Send(context.Background(), s))
	require.Len(t, received.Actions, 1)
	assert.Equal(t, "BrowserStack Dashboard", received.Actions[0].Name)
}

func TestSendMissingOldAppID(t *testing.T) {
	var received MessageCard
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := ioutil.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
	}))
	defer server.Close()

	s := testSummary()
	s.OldAppID = ""

	n := newNotifier(server.URL)
	assert.True(t, n.Send(context.Background(), s))
	for _, f := range received.Sections[0].Facts {
		if f.Name == "Old App ID:" {
			assert.Equal(t, "`N/A`", f.Value)
		}
	}
}

func TestSendDisabledWithoutWebhook(t *testing.T) {
	n := newNotifier("")
	assert.False(t, n.Enabled())
	assert.False(t, n.Send(context.Background(), testSummary()))
}

func TestSendFailureIsNotFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer server.Close()

	n := newNotifier(server.URL)
	assert.False(t, n.Send(context.Background(), testSummary()))
}

func TestSendUnreachableWebhook(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	n := newNotifier(server.URL)
	assert.False(t, n.Send(context.Background(), testSummary()))
}
