package server

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/leaddesk/internal/agent"
	"github.com/zulandar/leaddesk/internal/db"
	"github.com/zulandar/leaddesk/internal/delivery"
	"github.com/zulandar/leaddesk/internal/dispatch"
	"github.com/zulandar/leaddesk/internal/followup"
	"github.com/zulandar/leaddesk/internal/inbound"
	"github.com/zulandar/leaddesk/internal/metrics"
	"github.com/zulandar/leaddesk/internal/models"
	"github.com/zulandar/leaddesk/internal/notify"
	"github.com/zulandar/leaddesk/internal/reasoning"
	"gorm.io/gorm"
)

const (
	testSecret    = "s3cret"
	testAuthToken = "tw-auth-token"
	testPublicURL = "https://desk.example.com"
)

type fakeQueue struct {
	mu   sync.Mutex
	reqs []dispatch.Request
	err  error
}

func (q *fakeQueue) Submit(req dispatch.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.reqs = append(q.reqs, req)
	return nil
}

type dispatchFunc func(ctx context.Context, req dispatch.Request) (dispatch.Result, error)

func (f dispatchFunc) Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	return f(ctx, req)
}

type batchFunc func(ctx context.Context) (followup.Summary, error)

func (f batchFunc) Run(ctx context.Context) (followup.Summary, error) { return f(ctx) }

type testServer struct {
	srv   *Server
	db    *gorm.DB
	queue *fakeQueue
	hub   *notify.Hub
}

func newTestServer(t *testing.T, d dispatch.Dispatcher, batch followup.Batch) *testServer {
	t.Helper()
	gormDB, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gormDB))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.QueueDepth(0)
	hub := notify.NewHub()
	queue := &fakeQueue{}
	if d == nil {
		d = dispatchFunc(func(_ context.Context, req dispatch.Request) (dispatch.Result, error) {
			return dispatch.Result{ConversationID: req.ConversationID, Outcome: dispatch.Sent}, nil
		})
	}

	srv, err := New(Opts{
		DB:               gormDB,
		InternalSecret:   testSecret,
		WebhookAuthToken: testAuthToken,
		PublicURL:        testPublicURL,
		Intake:           inbound.NewIntake(inbound.IntakeOpts{DB: gormDB, Events: hub}),
		Queue:            queue,
		Dispatcher:       d,
		Receipts:         delivery.NewPipeline(delivery.PipelineOpts{DB: gormDB, Gateway: delivery.GatewayFunc(nil)}),
		FollowUp:         batch,
		Hub:              hub,
		Gatherer:         reg,
		Heartbeat:        50 * time.Millisecond,
	})
	require.NoError(t, err)
	return &testServer{srv: srv, db: gormDB, queue: queue, hub: hub}
}

func (ts *testServer) do(method, path string, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func form(values map[string]string) string {
	v := url.Values{}
	for k, val := range values {
		v.Set(k, val)
	}
	return v.Encode()
}

// sign computes the provider signature: HMAC-SHA1 over the URL followed by
// each name and value, sorted, base64 encoded.
func sign(token, fullURL string, values map[string]string) string {
	pairs := make([]string, 0, len(values))
	for k, v := range values {
		pairs = append(pairs, k+v)
	}
	sort.Strings(pairs)
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(fullURL + strings.Join(pairs, "")))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// webhook posts a correctly signed provider callback.
func (ts *testServer) webhook(path string, values map[string]string) *httptest.ResponseRecorder {
	return ts.do(http.MethodPost, path, form(values), map[string]string{
		"Content-Type":  "application/x-www-form-urlencoded",
		SignatureHeader: sign(testAuthToken, testPublicURL+path, values),
	})
}

func jsonHeader(secret string) map[string]string {
	h := map[string]string{"Content-Type": "application/json"}
	if secret != "" {
		h[SecretHeader] = secret
	}
	return h
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Opts{})
	assert.Error(t, err)
}

func TestInboundSMS_AcksAndEnqueues(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	w := ts.webhook("/webhooks/sms", map[string]string{
		"From":       "+13055550100",
		"To":         "+17865550199",
		"Body":       "Yes, still looking for 50k",
		"MessageSid": "SMin1",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/xml")
	assert.Equal(t, emptyTwiML, w.Body.String())

	require.Len(t, ts.queue.reqs, 1)
	var conv models.Conversation
	require.NoError(t, ts.db.Where("phone = ?", "+13055550100").Take(&conv).Error)
	assert.Equal(t, conv.ID, ts.queue.reqs[0].ConversationID)
	assert.Equal(t, replyInstruction, ts.queue.reqs[0].Instruction)
}

func TestInboundSMS_OptOutDoesNotDispatch(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	w := ts.webhook("/webhooks/sms", map[string]string{"From": "+13055550100", "Body": "STOP"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, ts.queue.reqs)

	var conv models.Conversation
	require.NoError(t, ts.db.Where("phone = ?", "+13055550100").Take(&conv).Error)
	assert.Equal(t, models.StateDead, conv.State)
}

func TestInboundSMS_BadSenderStillAcks(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	w := ts.webhook("/webhooks/sms", map[string]string{"From": "TWILIO", "Body": "hi"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, ts.queue.reqs)
}

func TestInboundSMS_QueueFullStillAcks(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.queue.err = dispatch.ErrQueueFull
	w := ts.webhook("/webhooks/sms", map[string]string{"From": "+13055550100", "Body": "hi"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhooks_RejectUnsignedAndForged(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	values := map[string]string{"From": "+13055550100", "Body": "hi", "MessageSid": "SMforged"}
	tests := []struct {
		name string
		path string
		sig  string
	}{
		{"unsigned sms", "/webhooks/sms", ""},
		{"unsigned status", "/webhooks/status", ""},
		{"wrong token", "/webhooks/sms", sign("not-the-token", testPublicURL+"/webhooks/sms", values)},
		{"wrong url", "/webhooks/sms", sign(testAuthToken, "https://evil.example.com/webhooks/sms", values)},
		{"garbage", "/webhooks/sms", "AAAA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
			if tt.sig != "" {
				header[SignatureHeader] = tt.sig
			}
			w := ts.do(http.MethodPost, tt.path, form(values), header)
			assert.Equal(t, http.StatusForbidden, w.Code)
		})
	}

	// A valid signature over different form values is also a forgery.
	sig := sign(testAuthToken, testPublicURL+"/webhooks/sms", values)
	tampered := map[string]string{"From": "+13055550100", "Body": "STOP", "MessageSid": "SMforged"}
	w := ts.do(http.MethodPost, "/webhooks/sms", form(tampered), map[string]string{
		"Content-Type":  "application/x-www-form-urlencoded",
		SignatureHeader: sig,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	assert.Empty(t, ts.queue.reqs)
	var n int64
	ts.db.Model(&models.Message{}).Count(&n)
	assert.Zero(t, n, "rejected webhooks must not store messages")

	w = ts.webhook("/webhooks/sms", values)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookURL_FromRequest(t *testing.T) {
	s := &Server{}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms?x=1", nil)
	assert.Equal(t, "http://example.com/webhooks/sms?x=1", s.webhookURL(req))
	req.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https://example.com/webhooks/sms?x=1", s.webhookURL(req))

	s.opts.PublicURL = "https://desk.example.com/"
	assert.Equal(t, "https://desk.example.com/webhooks/sms?x=1", s.webhookURL(req))
}

func TestStatusWebhook(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	conv := models.Conversation{Phone: "+13055550100"}
	require.NoError(t, ts.db.Create(&conv).Error)
	msg := models.Message{ConversationID: conv.ID, Direction: models.DirectionOutbound, Content: "hi", Status: models.MessageStatusSent, ProviderRef: "SM55"}
	require.NoError(t, ts.db.Create(&msg).Error)

	w := ts.webhook("/webhooks/status", map[string]string{"MessageSid": "SM55", "MessageStatus": "delivered"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	require.NoError(t, ts.db.First(&msg, msg.ID).Error)
	assert.Equal(t, models.MessageStatusDelivered, msg.Status)

	w = ts.webhook("/webhooks/status", map[string]string{"MessageSid": "SM404", "MessageStatus": "delivered"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.webhook("/webhooks/status", map[string]string{"MessageStatus": "delivered"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInternal_RequiresSecret(t *testing.T) {
	called := false
	ts := newTestServer(t, dispatchFunc(func(context.Context, dispatch.Request) (dispatch.Result, error) {
		called = true
		return dispatch.Result{}, nil
	}), nil)

	w := ts.do(http.MethodPost, "/internal/dispatch", `{"conversation_id":"c1"}`, jsonHeader(""))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = ts.do(http.MethodPost, "/internal/dispatch", `{"conversation_id":"c1"}`, jsonHeader("wrong"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = ts.do(http.MethodPost, "/internal/followup/run", ``, jsonHeader("wrong"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, called)
}

func TestInternalDispatch(t *testing.T) {
	var got dispatch.Request
	ts := newTestServer(t, dispatchFunc(func(_ context.Context, req dispatch.Request) (dispatch.Result, error) {
		got = req
		return dispatch.Result{ConversationID: req.ConversationID, Outcome: dispatch.StatusOnly}, nil
	}), nil)

	w := ts.do(http.MethodPost, "/internal/dispatch",
		`{"conversation_id":"c1","instruction":"nudge","suggested_next_state":"qualified"}`, jsonHeader(testSecret))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res dispatch.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, dispatch.StatusOnly, res.Outcome)
	assert.Equal(t, "c1", got.ConversationID)
	assert.Equal(t, "nudge", got.Instruction)
	assert.Equal(t, models.StateQualified, got.SuggestedNextState)
}

func TestInternalDispatch_BadRequests(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	for _, body := range []string{`not json`, `{}`, `{"conversation_id":"c1","suggested_next_state":"WON"}`} {
		w := ts.do(http.MethodPost, "/internal/dispatch", body, jsonHeader(testSecret))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestInternalDispatch_ErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrConversationNotFound, http.StatusNotFound},
		{agent.ErrNoAgentForState, http.StatusConflict},
		{&reasoning.Error{Provider: "openai", Err: errors.New("503")}, http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		err := tt.err
		ts := newTestServer(t, dispatchFunc(func(context.Context, dispatch.Request) (dispatch.Result, error) {
			return dispatch.Result{}, err
		}), nil)
		w := ts.do(http.MethodPost, "/internal/dispatch", `{"conversation_id":"c1"}`, jsonHeader(testSecret))
		assert.Equal(t, tt.want, w.Code, tt.err.Error())
	}
}

func TestInternalFollowUp(t *testing.T) {
	ts := newTestServer(t, nil, batchFunc(func(context.Context) (followup.Summary, error) {
		return followup.Summary{Candidates: 3, Sent: 1, NoSend: 1, Failed: 1}, nil
	}))
	w := ts.do(http.MethodPost, "/internal/followup/run", ``, jsonHeader(testSecret))
	require.Equal(t, http.StatusOK, w.Code)

	var sum followup.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, followup.Summary{Candidates: 3, Sent: 1, NoSend: 1, Failed: 1}, sum)

	unconfigured := newTestServer(t, nil, nil)
	w = unconfigured.do(http.MethodPost, "/internal/followup/run", ``, jsonHeader(testSecret))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	w := ts.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = ts.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "leaddesk_dispatch_queue_depth")
}

func TestEvents_StreamsHubEvents(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	waitFor := func(prefix string) string {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %q", prefix)
				}
				if strings.HasPrefix(line, prefix) {
					return line
				}
			case <-timeout:
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}

	waitFor("event: connected")
	require.Eventually(t, func() bool { return ts.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	ts.hub.Publish(context.Background(), notify.Event{Type: notify.EventNewMessage, ConversationID: "c1", Payload: map[string]string{"content": "hi"}})
	waitFor("event: new_message")
	data := waitFor("data: ")
	assert.Contains(t, data, `"conversation_id":"c1"`)

	waitFor("event: heartbeat")

	cancel()
	require.Eventually(t, func() bool { return ts.hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
