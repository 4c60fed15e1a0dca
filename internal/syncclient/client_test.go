package syncclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"mailzen/backend/internal/config"
)

func testConfig(baseURL string) *config.SyncConfig {
	return &config.SyncConfig{
		APIBaseURL:   baseURL,
		APIToken:     "secret",
		TokenHeader:  "authorization",
		CursorParam:  "cursor",
		BatchLimit:   10,
		Timeout:      2 * time.Second,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
		RetryJitter:  0,
	}
}

func TestFetchMessages_RequestShapeAndAliases(t *testing.T) {
	var gotPath, gotQuery, gotAuth, gotMailbox string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotMailbox = r.Header.Get("X-Mailzen-Mailbox-Email")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"value": [
				{"id": "m-1", "from": "Alice@Example.com", "body": "hi", "to": "bob@example.com", "size": "12"},
				{"messageId": "m-2", "subject": "hello", "textBody": "t", "to": ["c@example.com"], "replyToMessageId": "m-1", "sizeBytes": 34}
			],
			"next": 42
		}`)
	}))
	defer server.Close()

	client := New(testConfig(server.URL+"/"), zap.NewNop())
	batch, err := client.FetchMessages(context.Background(), "box+1@example.com", "abc")
	require.NoError(t, err)

	assert.Equal(t, "/mailboxes/box+1@example.com/messages", gotPath)
	assert.Equal(t, "cursor=abc&limit=10", gotQuery)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "box+1@example.com", gotMailbox)
	assert.Zero(t, batch.Retries)
	assert.Equal(t, "42", batch.NextCursor)
	require.Len(t, batch.Messages, 2)

	first := batch.Messages[0].Normalize("box+1@example.com")
	assert.Equal(t, "m-1", first.MessageID)
	assert.Equal(t, "alice@example.com", first.From)
	assert.Equal(t, DefaultSubject, first.Subject)
	assert.Equal(t, "hi", first.TextBody)
	assert.Equal(t, int64(12), first.SizeBytes)
	assert.Equal(t, []string{"bob@example.com", "box+1@example.com"}, first.To)
	assert.Equal(t, "box+1@example.com", first.MailboxEmail)

	second := batch.Messages[1].Normalize("box+1@example.com")
	assert.Equal(t, "m-2", second.MessageID)
	assert.Equal(t, "m-1", second.InReplyTo)
	assert.Equal(t, int64(34), second.SizeBytes)
	assert.Equal(t, []string{"c@example.com", "box+1@example.com"}, second.To)
}

func TestFetchMessages_APIKeyHeaderAndEmptyCursor(t *testing.T) {
	var gotKey, gotAuth, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `{"messages": [], "nextCursor": "  "}`)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.TokenHeader = "x-api-key"
	batch, err := New(cfg, nil).FetchMessages(context.Background(), "a@example.com", "")
	require.NoError(t, err)

	assert.Equal(t, "secret", gotKey)
	assert.Empty(t, gotAuth)
	assert.Equal(t, "limit=10", gotQuery)
	assert.Empty(t, batch.Messages)
	assert.Empty(t, batch.NextCursor)
}

func TestFetchMessages_Retry(t *testing.T) {
	t.Run("503 达到重试上限后成功", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) <= 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprint(w, "upstream busy")
				return
			}
			fmt.Fprint(w, `{"items": [{"id": "x"}], "cursor": "c2"}`)
		}))
		defer server.Close()

		core, logs := observer.New(zap.WarnLevel)
		batch, err := New(testConfig(server.URL), zap.New(core)).FetchMessages(context.Background(), "a@example.com", "")
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, 2, batch.Retries)
		assert.Equal(t, "c2", batch.NextCursor)
		assert.Equal(t, 2, logs.FilterMessage("retrying mailbox pull").Len())
	})

	t.Run("4xx 不重试", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"bad cursor"}`)
		}))
		defer server.Close()

		_, err := New(testConfig(server.URL), nil).FetchMessages(context.Background(), "a@example.com", "zzz")
		require.Error(t, err)

		var statusErr *StatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
		assert.Contains(t, statusErr.Body, "bad cursor")
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("重试耗尽", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		_, err := New(testConfig(server.URL), nil).FetchMessages(context.Background(), "a@example.com", "")
		require.Error(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})
}

func TestFetchMessages_NotConfigured(t *testing.T) {
	_, err := New(&config.SyncConfig{}, nil).FetchMessages(context.Background(), "a@example.com", "")
	require.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"429", &StatusError{StatusCode: 429}, true},
		{"502", &StatusError{StatusCode: 502}, true},
		{"404", &StatusError{StatusCode: 404}, false},
		{"连接重置", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"连接拒绝", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"DNS", &net.DNSError{Err: "no such host", Name: "api.example.com"}, true},
		{"超时", context.DeadlineExceeded, true},
		{"取消", context.Canceled, false},
		{"其它", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestStatusError_BodySnippetCapped(t *testing.T) {
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, snippet(long), MaxErrorBodyLength)
}
