package api

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"message-coalescer/internal/domain"
	"message-coalescer/internal/usecase"
)

func TestParseEvolution(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		want    Inbound
		wantErr error
	}{
		{
			name: "plain conversation",
			body: `{"event":"messages.upsert","instance":"acme","data":{"key":{"remoteJid":"5511999990000@s.whatsapp.net","fromMe":false,"id":"ABC1"},"message":{"conversation":" hi there "},"messageType":"conversation"}}`,
			want: Inbound{
				Key:     domain.ConversationKey{InstanceID: "acme", UserPhone: "5511999990000"},
				Message: domain.Message{ID: "ABC1", Content: "hi there", Type: domain.MessageTypeText},
			},
		},
		{
			name: "extended text with upper case event",
			body: `{"event":"MESSAGES_UPSERT","instance":"acme","data":{"key":{"remoteJid":"5511@s.whatsapp.net","id":"ABC2"},"message":{"extendedTextMessage":{"text":"see link"}},"messageType":"extendedTextMessage"}}`,
			want: Inbound{
				Key:     domain.ConversationKey{InstanceID: "acme", UserPhone: "5511"},
				Message: domain.Message{ID: "ABC2", Content: "see link", Type: domain.MessageTypeText},
			},
		},
		{
			name: "image without caption",
			body: `{"event":"messages.upsert","instance":"acme","data":{"key":{"remoteJid":"5511@s.whatsapp.net","id":"IMG1"},"message":{"imageMessage":{}},"messageType":"imageMessage"}}`,
			want: Inbound{
				Key:     domain.ConversationKey{InstanceID: "acme", UserPhone: "5511"},
				Message: domain.Message{ID: "IMG1", Type: "image"},
			},
		},
		{
			name: "image caption",
			body: `{"instance":"acme","data":{"key":{"remoteJid":"5511@s.whatsapp.net","id":"IMG2"},"message":{"imageMessage":{"caption":"my receipt"}},"messageType":"imageMessage"}}`,
			want: Inbound{
				Key:     domain.ConversationKey{InstanceID: "acme", UserPhone: "5511"},
				Message: domain.Message{ID: "IMG2", Content: "my receipt", Type: "image"},
			},
		},
		{name: "from me", body: `{"event":"messages.upsert","instance":"acme","data":{"key":{"remoteJid":"5511@s.whatsapp.net","fromMe":true,"id":"X"},"message":{"conversation":"reply"}}}`, wantErr: ErrIgnored},
		{name: "group", body: `{"event":"messages.upsert","instance":"acme","data":{"key":{"remoteJid":"1203@g.us","id":"X"},"message":{"conversation":"hi"}}}`, wantErr: ErrIgnored},
		{name: "other event", body: `{"event":"connection.update","instance":"acme","data":{}}`, wantErr: ErrIgnored},
		{name: "empty text", body: `{"event":"messages.upsert","instance":"acme","data":{"key":{"remoteJid":"5511@s.whatsapp.net","id":"X"},"message":{"conversation":"  "}}}`, wantErr: ErrIgnored},
		{name: "not json", body: `nope`, wantErr: ErrInvalidPayload},
		{name: "missing instance", body: `{"event":"messages.upsert","data":{"key":{"remoteJid":"5511@s.whatsapp.net","id":"X"},"message":{"conversation":"hi"}}}`, wantErr: ErrInvalidPayload},
		{name: "missing id", body: `{"event":"messages.upsert","instance":"acme","data":{"key":{"remoteJid":"5511@s.whatsapp.net"},"message":{"conversation":"hi"}}}`, wantErr: ErrInvalidPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseEvolution([]byte(tc.body))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseEvolution_MessageTimestamp(t *testing.T) {
	body := func(ts string) []byte {
		return []byte(`{"event":"messages.upsert","instance":"acme","data":{"key":{"remoteJid":"5511@s.whatsapp.net","id":"T1"},"message":{"conversation":"hi"},"messageTimestamp":` + ts + `}}`)
	}
	sent := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		ts   string
		want time.Time
	}{
		{name: "seconds", ts: "1772445600", want: sent},
		{name: "quoted seconds", ts: `"1772445600"`, want: sent},
		{name: "milliseconds", ts: "1772445600250", want: sent.Add(250 * time.Millisecond)},
		{name: "null", ts: "null"},
		{name: "object", ts: `{"low":1,"high":0}`},
		{name: "negative", ts: "-5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseEvolution(body(tc.ts))
			require.NoError(t, err)
			require.True(t, tc.want.Equal(got.Message.ReceivedAt), "got %v", got.Message.ReceivedAt)
		})
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid payload", ErrInvalidPayload, http.StatusBadRequest, string(usecase.ErrorInvalidInput)},
		{"invalid input", &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_conversation_key"}, http.StatusBadRequest, string(usecase.ErrorInvalidInput)},
		{"store", &usecase.Error{Code: usecase.ErrorStoreUnavailable}, http.StatusServiceUnavailable, string(usecase.ErrorStoreUnavailable)},
		{"contention", &usecase.Error{Code: usecase.ErrorContention}, http.StatusServiceUnavailable, string(usecase.ErrorContention)},
		{"schedule", &usecase.Error{Code: usecase.ErrorScheduleFailed}, http.StatusServiceUnavailable, string(usecase.ErrorScheduleFailed)},
		{"upstream", &usecase.Error{Code: usecase.ErrorUpstream}, http.StatusBadGateway, string(usecase.ErrorUpstream)},
		{"internal", &usecase.Error{Code: usecase.ErrorInternal}, http.StatusInternalServerError, string(usecase.ErrorInternal)},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, string(usecase.ErrorInternal)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, resp := StatusFor(tc.err)
			require.Equal(t, tc.status, status)
			require.Equal(t, tc.code, resp.Error)
		})
	}
}

func TestNewIngestResponse(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 10, 0, 8, 0, time.UTC)
	resp := NewIngestResponse(usecase.IngestOutcome{WindowOwned: true, Scheduled: true, Seq: 2, WindowID: "w2", Deadline: deadline})
	require.Equal(t, StatusAccepted, resp.Status)
	require.Equal(t, int64(2), resp.Seq)
	require.NotNil(t, resp.Deadline)
	require.True(t, deadline.Equal(*resp.Deadline))

	require.Equal(t, StatusDuplicate, NewIngestResponse(usecase.IngestOutcome{Duplicate: true}).Status)
}

func TestCorrelationID(t *testing.T) {
	require.Equal(t, "corr-1", CorrelationID(" corr-1 "))
	require.NotEmpty(t, CorrelationID(""))
	require.NotEqual(t, CorrelationID(""), CorrelationID(""))
}
