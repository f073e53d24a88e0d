package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/drblury/sbflow/internal/runtime/broker"
	"github.com/drblury/sbflow/internal/runtime/broker/brokertest"
	configpkg "github.com/drblury/sbflow/internal/runtime/config"
	"github.com/drblury/sbflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	idspkg "github.com/drblury/sbflow/internal/runtime/ids"
	"github.com/drblury/sbflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
)

const testConnectionString = "Endpoint=sb://ns.servicebus.windows.net/;SharedAccessKeyName=k;SharedAccessKey=v"

var ordersQueue = broker.QueueTarget("orders")

type recordSink struct {
	mu      sync.Mutex
	records []dispatch.Record
}

func (s *recordSink) Emit(ctx context.Context, rec dispatch.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordSink) Records() []dispatch.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dispatch.Record(nil), s.records...)
}

func testConfig() *configpkg.Config {
	conf := configpkg.Default()
	conf.ConnectionString = testConnectionString
	conf.Queue = ordersQueue.Queue
	conf.SpecificSessionRetryDelay = 5 * time.Millisecond
	conf.AnySessionRetryDelay = 5 * time.Millisecond
	return conf
}

func newTestService(t *testing.T, conf *configpkg.Config, b *brokertest.Broker, sink dispatch.Sink) *Service {
	t.Helper()
	s, err := TryNewService(conf, loggingpkg.Nop(), context.Background(), ServiceDependencies{
		Dialer: b,
		Sink:   sink,
	})
	if err != nil {
		t.Fatalf("TryNewService: %v", err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestTryNewService_RequiresLogger(t *testing.T) {
	_, err := TryNewService(testConfig(), nil, context.Background(), ServiceDependencies{})
	if !errors.Is(err, errspkg.ErrLoggerRequired) {
		t.Fatalf("expected ErrLoggerRequired, got %v", err)
	}
}

func TestTryNewService_RejectsInvalidConfig(t *testing.T) {
	conf := testConfig()
	conf.ConnectionString = ""
	_, err := TryNewService(conf, loggingpkg.Nop(), context.Background(), ServiceDependencies{Dialer: brokertest.New(), Sink: &recordSink{}})
	if !errors.Is(err, errspkg.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestNewService_PanicsOnInvalidConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected NewService to panic")
		}
	}()
	NewService(nil, loggingpkg.Nop(), context.Background(), ServiceDependencies{})
}

func TestService_StartPlainDispatchesAndStops(t *testing.T) {
	b := brokertest.New()
	b.EnqueueText(ordersQueue, "", "one")
	b.EnqueueText(ordersQueue, "", "two")
	sink := &recordSink{}
	s := newTestService(t, testConfig(), b, sink)

	sub, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "two records", func() bool { return len(sink.Records()) == 2 })

	st := s.Status()
	if !st.Running || st.Target != "orders" || st.SessionMode != configpkg.SessionModeNone {
		t.Fatalf("unexpected status while running: %+v", st)
	}

	if err := sub.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sub.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if got := b.Deleted(ordersQueue); len(got) != 2 {
		t.Fatalf("expected both messages settled on delivery, got %v", got)
	}
	conns := b.Conns()
	if len(conns) != 1 {
		t.Fatalf("expected a single connection, got %d", len(conns))
	}
	if conns[0].CloseCalls() != 1 {
		t.Fatalf("expected the connection closed once, got %d", conns[0].CloseCalls())
	}
	for _, r := range conns[0].Receivers() {
		if r.CloseCalls() != 1 {
			t.Fatalf("expected receiver closed once, got %d", r.CloseCalls())
		}
		if r.Mode() != broker.ReceiveModeReceiveAndDelete {
			t.Fatalf("expected receive-and-delete under the auto policy, got %s", r.Mode())
		}
	}
	if !s.Registry().Closed() {
		t.Fatal("expected the registry to be closed")
	}
	if s.Status().Running {
		t.Fatal("expected status to report stopped")
	}
	if m := s.Metrics().Target("orders"); m == nil || m.MessagesReceived != 2 {
		t.Fatalf("expected two received messages in metrics, got %+v", m)
	}
}

func TestService_StopClosesInOrder(t *testing.T) {
	b := brokertest.New()
	b.CreateSession(ordersQueue, "s1")

	conf := testConfig()
	conf.SessionMode = configpkg.SessionModeSpecific
	conf.SessionID = "s1"
	s := newTestService(t, conf, b, &recordSink{})

	sub, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "session s1 owned", func() bool { return s.Registry().Len() == 1 })

	if _, err := s.Send(context.Background(), "audit", OutboundMessage{Body: "note"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	received := make(chan error, 1)
	go func() {
		_, err := s.Receive(context.Background(), ReceiveRequest{
			Target:      broker.QueueTarget("inbox"),
			SessionMode: configpkg.SessionModeNone,
			Wait:        time.Minute,
		})
		received <- err
	}()
	waitFor(t, "one-shot receiver", func() bool { return len(b.Conns()[0].Receivers()) == 2 })

	if err := sub.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-received:
		if err == nil {
			t.Fatal("expected the in-flight Receive to fail once its receiver closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight Receive was not released by Stop")
	}

	want := []string{"receiver:inbox", "session:orders/s1", "sender:audit", "connection"}
	if got := b.CloseLog(); !slices.Equal(got, want) {
		t.Fatalf("close order = %v, want %v", got, want)
	}
	for _, r := range b.Conns()[0].Receivers() {
		if r.CloseCalls() != 1 {
			t.Fatalf("expected every receiver closed once, got %d", r.CloseCalls())
		}
	}
}

func TestService_StopClosesPlainReceiverFirst(t *testing.T) {
	b := brokertest.New()
	s := newTestService(t, testConfig(), b, &recordSink{})

	sub, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.Send(context.Background(), "audit", OutboundMessage{Body: "note"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := sub.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{"receiver:orders", "sender:audit", "connection"}
	if got := b.CloseLog(); !slices.Equal(got, want) {
		t.Fatalf("close order = %v, want %v", got, want)
	}
}

func TestService_ReceiveAfterCloseIsRefused(t *testing.T) {
	b := brokertest.New()
	b.EnqueueText(ordersQueue, "", "late")
	s := newTestService(t, testConfig(), b, &recordSink{})
	if _, err := s.Send(context.Background(), "audit", OutboundMessage{Body: "dial"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := s.Receive(context.Background(), ReceiveRequest{Wait: 10 * time.Millisecond})
	if !errors.Is(err, errspkg.ErrConnectionClosing) {
		t.Fatalf("expected ErrConnectionClosing, got %v", err)
	}
	if b.Pending(ordersQueue) != 1 {
		t.Fatal("expected the queued message untouched")
	}
}

func TestService_StartTwice(t *testing.T) {
	s := newTestService(t, testConfig(), brokertest.New(), &recordSink{})

	sub, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sub.Stop(context.Background())

	if _, err := s.Start(context.Background()); !errors.Is(err, errspkg.ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestService_FailedStartReleasesResources(t *testing.T) {
	b := brokertest.New()
	b.DialErr = errors.New("network unreachable")
	s := newTestService(t, testConfig(), b, &recordSink{})

	_, err := s.Start(context.Background())
	if !errors.Is(err, errspkg.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if !s.Registry().Closed() {
		t.Fatal("expected the registry closed after a failed start")
	}
	if _, err := s.Send(context.Background(), "out", OutboundMessage{Body: "x"}); !errors.Is(err, errspkg.ErrConnectionClosing) {
		t.Fatalf("expected ErrConnectionClosing after cleanup, got %v", err)
	}
}

func TestService_StartSpecificSession(t *testing.T) {
	b := brokertest.New()
	b.EnqueueText(ordersQueue, "s1", "first")
	b.EnqueueText(ordersQueue, "s2", "other")
	b.SetState(ordersQueue, "s1", []byte(`{"step":1}`))

	conf := testConfig()
	conf.SessionMode = configpkg.SessionModeSpecific
	conf.SessionID = "s1"
	conf.CompletionPolicy = configpkg.CompletionManual
	sink := &recordSink{}
	s := newTestService(t, conf, b, sink)

	sub, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "session record", func() bool { return len(sink.Records()) == 1 })
	waitFor(t, "completion", func() bool { return len(b.Completed(ordersQueue)) == 1 })

	rec := sink.Records()[0]
	if rec.Session == nil || rec.Session.ID != "s1" {
		t.Fatalf("expected session info for s1, got %+v", rec.Session)
	}
	if !b.Locked(ordersQueue, "s1") {
		t.Fatal("expected s1 locked while running")
	}
	if len(s.Status().Sessions) != 1 {
		t.Fatalf("expected one owned session, got %+v", s.Status().Sessions)
	}

	if err := sub.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if b.Locked(ordersQueue, "s1") {
		t.Fatal("expected s1 released after Stop")
	}
	if b.Pending(ordersQueue) != 1 {
		t.Fatalf("expected the s2 message untouched, got %d pending", b.Pending(ordersQueue))
	}
}

func TestService_StartAnySession(t *testing.T) {
	b := brokertest.New()
	b.EnqueueText(ordersQueue, "a", "1")
	b.EnqueueText(ordersQueue, "b", "2")

	conf := testConfig()
	conf.SessionMode = configpkg.SessionModeAny
	conf.MaxSessions = 2
	sink := &recordSink{}
	s := newTestService(t, conf, b, sink)

	sub, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "records from both sessions", func() bool { return len(sink.Records()) == 2 })

	seen := map[string]bool{}
	for _, rec := range sink.Records() {
		if rec.Session == nil {
			t.Fatalf("expected session info on %s", rec.MessageID)
		}
		seen[rec.Session.ID] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected records from sessions a and b, got %v", seen)
	}

	if err := sub.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if b.Locked(ordersQueue, "a") || b.Locked(ordersQueue, "b") {
		t.Fatal("expected every session released after Stop")
	}
}

func TestService_RunStopsOnCancel(t *testing.T) {
	b := brokertest.New()
	b.EnqueueText(ordersQueue, "", "one")
	sink := &recordSink{}
	s := newTestService(t, testConfig(), b, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, "record", func() bool { return len(sink.Records()) == 1 })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if b.Conns()[0].CloseCalls() != 1 {
		t.Fatal("expected the connection closed by Run")
	}
}

func TestService_SendCachesSenderAndEncodesBodies(t *testing.T) {
	b := brokertest.New()
	s := newTestService(t, testConfig(), b, &recordSink{})

	type order struct {
		ID int `json:"id"`
	}
	ids, err := s.Send(context.Background(), "out",
		OutboundMessage{Body: order{ID: 7}, SessionID: "s1"},
		OutboundMessage{Body: "plain", ContentType: "text/plain", MessageID: "fixed"},
	)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(ids) != 2 || ids[1] != "fixed" {
		t.Fatalf("unexpected ids %v", ids)
	}
	if _, err := idspkg.Time(ids[0]); err != nil {
		t.Fatalf("expected a ULID default id, got %q: %v", ids[0], err)
	}
	if _, err := s.Send(context.Background(), "out", OutboundMessage{Body: []byte("raw")}); err != nil {
		t.Fatalf("second Send: %v", err)
	}

	sent := b.Sent("out")
	if len(sent) != 3 {
		t.Fatalf("expected 3 sent messages, got %d", len(sent))
	}
	if sent[0].ContentType != ContentTypeJSON || string(sent[0].Body) != `{"id":7}` || sent[0].SessionID != "s1" {
		t.Fatalf("unexpected JSON message %+v", sent[0])
	}
	if sent[1].ContentType != "text/plain" || string(sent[1].Body) != "plain" {
		t.Fatalf("unexpected text message %+v", sent[1])
	}
	if sent[2].ContentType != "" || string(sent[2].Body) != "raw" {
		t.Fatalf("unexpected raw message %+v", sent[2])
	}

	senders := b.Conns()[0].Senders()
	if len(senders) != 1 {
		t.Fatalf("expected one cached sender, got %d", len(senders))
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if senders[0].CloseCalls() != 1 {
		t.Fatal("expected the sender closed with the service")
	}
}

func TestService_SendRequiresEntity(t *testing.T) {
	s := newTestService(t, testConfig(), brokertest.New(), &recordSink{})
	if _, err := s.Send(context.Background(), "", OutboundMessage{}); !errors.Is(err, errspkg.ErrEntityRequired) {
		t.Fatalf("expected ErrEntityRequired, got %v", err)
	}
}

func TestService_ReceivePlainCompletesUnderManualPolicy(t *testing.T) {
	b := brokertest.New()
	for _, body := range []string{"a", "b", "c"} {
		b.EnqueueText(ordersQueue, "", body)
	}
	conf := testConfig()
	conf.CompletionPolicy = configpkg.CompletionManual
	s := newTestService(t, conf, b, &recordSink{})

	records, err := s.Receive(context.Background(), ReceiveRequest{MaxMessages: 2, Wait: time.Second})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Target != "orders" || records[0].Session != nil {
		t.Fatalf("unexpected record %+v", records[0])
	}
	if got := b.Completed(ordersQueue); len(got) != 2 {
		t.Fatalf("expected 2 completions, got %v", got)
	}
	if b.Pending(ordersQueue) != 1 {
		t.Fatalf("expected one message left, got %d", b.Pending(ordersQueue))
	}
	for _, r := range b.Conns()[0].Receivers() {
		if !r.Closed() {
			t.Fatal("expected the one-shot receiver closed")
		}
	}
}

func TestService_ReceiveTimeoutReturnsNothing(t *testing.T) {
	s := newTestService(t, testConfig(), brokertest.New(), &recordSink{})

	records, err := s.Receive(context.Background(), ReceiveRequest{Wait: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("expected no error on an empty receive, got %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}

func TestService_ReceiveSessionAttachesState(t *testing.T) {
	b := brokertest.New()
	b.EnqueueText(ordersQueue, "s1", "hello")
	b.SetState(ordersQueue, "s1", []byte(`{"step":1}`))
	s := newTestService(t, testConfig(), b, &recordSink{})

	records, err := s.Receive(context.Background(), ReceiveRequest{
		SessionMode: configpkg.SessionModeSpecific,
		SessionID:   "s1",
		Wait:        time.Second,
	})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(records) != 1 || records[0].Session == nil {
		t.Fatalf("expected one session record, got %+v", records)
	}
	state, ok := records[0].Session.State.(map[string]any)
	if !ok || state["step"] != float64(1) {
		t.Fatalf("unexpected session state %#v", records[0].Session.State)
	}
	if b.Locked(ordersQueue, "s1") {
		t.Fatal("expected the session released after Receive")
	}
	if s.Registry().Len() != 0 {
		t.Fatal("expected the shared registry untouched by a one-shot receive")
	}
	if got := s.Metrics().Target(ordersQueue.String()).SessionsAccepted; got != 1 {
		t.Fatalf("expected one counted acceptance, got %d", got)
	}
}

func TestService_ReceiveRejectsSpecificWithoutID(t *testing.T) {
	s := newTestService(t, testConfig(), brokertest.New(), &recordSink{})
	_, err := s.Receive(context.Background(), ReceiveRequest{SessionMode: configpkg.SessionModeSpecific})
	if !errors.Is(err, errspkg.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestStatusHandler(t *testing.T) {
	conf := testConfig()
	conf.StatusCORSAllowedOrigins = []string{"https://ops.example.com"}
	s := newTestService(t, conf, brokertest.New(), &recordSink{})

	req := httptest.NewRequest(http.MethodGet, StatusPath, nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	s.handleGetSessions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Fatalf("unexpected CORS origin %q", got)
	}
	var st Status
	if err := jsoncodec.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Running {
		t.Fatal("expected a service that was never started to report not running")
	}

	req = httptest.NewRequest(http.MethodGet, StatusPath, nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	s.handleGetSessions(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS header for a foreign origin, got %q", got)
	}

	rec = httptest.NewRecorder()
	s.handleGetSessions(rec, httptest.NewRequest(http.MethodOptions, StatusPath, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for OPTIONS, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.handleGetSessions(rec, httptest.NewRequest(http.MethodPost, StatusPath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST, got %d", rec.Code)
	}
}

func TestGetAllowedCORSOrigin_Wildcard(t *testing.T) {
	s := &Service{Conf: &configpkg.Config{StatusCORSAllowedOrigins: []string{"*"}}}
	if got := s.getAllowedCORSOrigin("https://any.example.com"); got != "*" {
		t.Fatalf("expected *, got %q", got)
	}
	s.Conf = nil
	if got := s.getAllowedCORSOrigin("https://any.example.com"); got != "" {
		t.Fatalf("expected no origin without config, got %q", got)
	}
}
