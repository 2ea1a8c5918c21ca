package instance

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"botdeck/internal/events"
	"botdeck/internal/gameclient"
	"botdeck/internal/models"
	"botdeck/internal/viewer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeStorage is an in-memory Storage.
type fakeStorage struct {
	mu       sync.Mutex
	accounts map[string]models.Account
	logs     []models.LogEntry
	messages []models.ChatMessage
	uuidSets int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{accounts: make(map[string]models.Account)}
}

func (f *fakeStorage) ListAccounts(ctx context.Context) ([]models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Account, 0, len(f.accounts))
	for _, a := range f.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeStorage) InsertAccount(ctx context.Context, a models.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[a.ID] = a
	return nil
}

func (f *fakeStorage) UpdateAccount(ctx context.Context, a models.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[a.ID] = a
	return nil
}

func (f *fakeStorage) DeleteAccount(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.accounts, id)
	return nil
}

func (f *fakeStorage) SetAccountUUID(ctx context.Context, id, uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if ok && a.UUID == nil {
		a.UUID = &uuid
		f.accounts[id] = a
		f.uuidSets++
	}
	return nil
}

func (f *fakeStorage) AppendLog(e models.LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, e)
}

func (f *fakeStorage) AppendMessage(m models.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
}

func (f *fakeStorage) RecentLogs(ctx context.Context, accountID string, limit int) ([]models.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	matched := make([]models.LogEntry, 0)
	for i := len(f.logs) - 1; i >= 0 && len(matched) < limit; i-- {
		if f.logs[i].AccountID == accountID {
			matched = append(matched, f.logs[i])
		}
	}
	return matched, nil
}

func (f *fakeStorage) RecentMessages(ctx context.Context, accountID string, limit int) ([]models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	matched := make([]models.ChatMessage, 0)
	for i := len(f.messages) - 1; i >= 0 && len(matched) < limit; i-- {
		if f.messages[i].AccountID == accountID {
			matched = append(matched, f.messages[i])
		}
	}
	return matched, nil
}

func (f *fakeStorage) storedAccount(id string) (models.Account, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	return a, ok
}

// fakeClient is a protocol handle that records calls.
type fakeClient struct {
	mu       sync.Mutex
	sent     []string
	closed   bool
	graceful bool
}

func (f *fakeClient) SendChat(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("not connected")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeClient) Close(graceful bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.graceful = graceful
	return nil
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeDialer hands out fakeClients and captures the registered handler.
type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeClient
	handler gameclient.Handler
	failErr error
	block   chan struct{} // when set, Dial waits on it
}

func (f *fakeDialer) dial(ctx context.Context, opts gameclient.Options, h gameclient.Handler) (gameclient.Client, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	f.handler = h
	c := &fakeClient{}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeDialer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeDialer) lastHandler() gameclient.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

func (f *fakeDialer) client(i int) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[i]
}

// recorder is an events.Conn collecting pushed envelopes.
type recorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recorder) WriteMessage(messageType int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	r.frames = append(r.frames, cp)
	return nil
}

func (r *recorder) SetWriteDeadline(t time.Time) error { return nil }
func (r *recorder) Close() error                       { return nil }

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}

type recordedEvent struct {
	Topic   events.Topic
	Payload json.RawMessage
}

func (r *recorder) eventsList(t *testing.T) []recordedEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedEvent, 0, len(r.frames))
	for _, frame := range r.frames {
		var env struct {
			Topic   events.Topic    `json:"topic"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("bad frame %q: %v", frame, err)
		}
		out = append(out, recordedEvent{Topic: env.Topic, Payload: env.Payload})
	}
	return out
}

func (r *recorder) lastStatus(t *testing.T) (models.ConnectionStatus, bool) {
	t.Helper()
	evs := r.eventsList(t)
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Topic == events.TopicStatus {
			var st models.ConnectionStatus
			if err := json.Unmarshal(evs[i].Payload, &st); err != nil {
				t.Fatalf("bad status payload: %v", err)
			}
			return st, true
		}
	}
	return models.ConnectionStatus{}, false
}

// waitConnected blocks until the async connect has attached its handle.
func waitConnected(t *testing.T, in *Instance) {
	t.Helper()
	waitFor(t, func() bool {
		in.mu.Lock()
		defer in.mu.Unlock()
		return in.client != nil
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func testAccount(id string) models.Account {
	return models.Account{
		ID:          id,
		DisplayName: "Bot1",
		Username:    "u",
		AuthType:    models.AuthOffline,
		Hostname:    "h",
		Port:        25565,
		Version:     "1.19.2",
	}
}

func newTestInstance(t *testing.T) (*Instance, *fakeStorage, *fakeDialer, *recorder) {
	t.Helper()
	st := newFakeStorage()
	dialer := &fakeDialer{}
	pub := events.NewPublisher(testLogger())
	rec := &recorder{}
	pub.Attach(rec)
	viewers := viewer.NewManager(testLogger(), "", 3000, 3001)

	a := testAccount("a1")
	_ = st.InsertAccount(context.Background(), a)
	in := New(testLogger(), st, pub, dialer.dial, viewers, nil, a)
	return in, st, dialer, rec
}

func TestStart_EmitsOnlineBeforeHandshake(t *testing.T) {
	in, _, dialer, rec := newTestInstance(t)
	dialer.block = make(chan struct{})

	in.Start()

	// status must already be ONLINE while the dial is still in flight
	st, ok := rec.lastStatus(t)
	if !ok {
		t.Fatal("expected a status event before handshake completion")
	}
	if st.Status != models.StatusOnline || st.StartedAt <= 0 {
		t.Fatalf("expected optimistic ONLINE status, got %+v", st)
	}

	close(dialer.block)
	waitFor(t, func() bool { return dialer.dialCount() == 1 })
}

func TestStart_TwiceKeepsSingleHandle(t *testing.T) {
	in, _, dialer, _ := newTestInstance(t)

	in.Start()
	waitConnected(t, in)

	in.Start()
	waitFor(t, func() bool { return dialer.dialCount() == 2 })
	waitConnected(t, in)

	if !dialer.client(0).isClosed() {
		t.Error("first handle must be closed before the second is opened")
	}
	if dialer.client(1).isClosed() {
		t.Error("second handle should be the live one")
	}
}

func TestStart_DialFailureGoesOffline(t *testing.T) {
	in, _, dialer, rec := newTestInstance(t)
	dialer.failErr = errors.New("connection refused")

	in.Start()

	waitFor(t, func() bool {
		st, ok := rec.lastStatus(t)
		return ok && st.Status == models.StatusOffline
	})

	st, _ := rec.lastStatus(t)
	if st.StartedAt != 0 {
		t.Errorf("offline status must carry startedAt=0, got %d", st.StartedAt)
	}
}

func TestStop_WhenStoppedIsNoop(t *testing.T) {
	in, _, _, rec := newTestInstance(t)

	in.Stop(true)

	if got := len(rec.eventsList(t)); got != 0 {
		t.Fatalf("stop on a stopped instance must emit nothing, got %d events", got)
	}
}

func TestStopThenStart_UsesFreshHandle(t *testing.T) {
	in, _, dialer, rec := newTestInstance(t)

	in.Start()
	waitConnected(t, in)

	in.Stop(true)
	if !dialer.client(0).isClosed() || !dialer.client(0).graceful {
		t.Fatal("explicit stop must close the handle gracefully")
	}
	st, _ := rec.lastStatus(t)
	if st.Status != models.StatusOffline || st.StartedAt != 0 {
		t.Fatalf("expected OFFLINE startedAt=0 after stop, got %+v", st)
	}

	in.Start()
	waitFor(t, func() bool { return dialer.dialCount() == 2 })
	if dialer.client(1).isClosed() {
		t.Error("restart must open a fresh handle, not reuse the stale one")
	}
}

func TestUUID_LearnedAtMostOnce(t *testing.T) {
	in, st, dialer, _ := newTestInstance(t)

	in.Start()
	waitConnected(t, in)

	dialer.lastHandler().OnReady("u", "uuid-1")
	waitFor(t, func() bool {
		a, _ := st.storedAccount("a1")
		return a.UUID != nil
	})

	// restart and hand back a different uuid
	in.Stop(true)
	in.Start()
	waitFor(t, func() bool { return dialer.dialCount() == 2 })
	waitConnected(t, in)
	dialer.lastHandler().OnReady("u", "uuid-2")

	time.Sleep(50 * time.Millisecond)
	a, _ := st.storedAccount("a1")
	if a.UUID == nil || *a.UUID != "uuid-1" {
		t.Fatalf("uuid must stay at first learned value, got %v", a.UUID)
	}
	if in.Account().UUID == nil || *in.Account().UUID != "uuid-1" {
		t.Fatalf("in-memory uuid must not be overwritten")
	}
}

func TestSendMessage_OfflineNeverQueues(t *testing.T) {
	in, st, dialer, rec := newTestInstance(t)

	in.SendMessage("hi")

	if dialer.dialCount() != 0 {
		t.Error("sending while offline must not open a connection")
	}
	for _, ev := range rec.eventsList(t) {
		if ev.Topic == events.TopicMessage {
			t.Error("no message event may be emitted while offline")
		}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.messages) != 0 {
		t.Error("no message may be persisted while offline")
	}
}

func TestSendMessage_OnlineForwardsToHandle(t *testing.T) {
	in, _, dialer, _ := newTestInstance(t)

	in.Start()
	waitConnected(t, in)

	in.SendMessage("hello world")

	client := dialer.client(0)
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.sent) != 1 || client.sent[0] != "hello world" {
		t.Fatalf("expected one outbound chat line, got %v", client.sent)
	}
}

func TestEventOrdering_SingleAccount(t *testing.T) {
	in, _, dialer, rec := newTestInstance(t)

	in.Start()
	waitFor(t, func() bool { return dialer.dialCount() == 1 })

	h := dialer.lastHandler()
	h.OnChat("alice", "hey", nil)
	h.OnKicked("afk")
	in.Stop(true)

	evs := rec.eventsList(t)
	want := []events.Topic{events.TopicStatus, events.TopicMessage, events.TopicLog, events.TopicStatus}
	if len(evs) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(evs), evs)
	}
	for i, topic := range want {
		if evs[i].Topic != topic {
			t.Errorf("event %d: expected %s, got %s", i, topic, evs[i].Topic)
		}
	}
}

func TestDisconnectAfterStop_IsSuppressed(t *testing.T) {
	in, _, dialer, rec := newTestInstance(t)

	in.Start()
	waitFor(t, func() bool { return dialer.dialCount() == 1 })
	h := dialer.lastHandler()

	in.Stop(true)
	rec.reset()

	// late disconnect from the already-stopped session
	h.OnEnd("peer closed")
	h.OnError(errors.New("stale"))

	if got := len(rec.eventsList(t)); got != 0 {
		t.Fatalf("stale session callbacks must emit nothing, got %d events", got)
	}
}

func TestEnd_TransitionsToOffline(t *testing.T) {
	in, st, dialer, rec := newTestInstance(t)

	in.Start()
	waitFor(t, func() bool { return dialer.dialCount() == 1 })

	dialer.lastHandler().OnEnd("server restart")

	status, _ := rec.lastStatus(t)
	if status.Status != models.StatusOffline {
		t.Fatalf("expected OFFLINE after session end, got %+v", status)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.logs) == 0 || st.logs[len(st.logs)-1].Severity != models.SeverityInfo {
		t.Error("session end must append an INFO log entry")
	}
}

func TestReplay_BoundedAndChronological(t *testing.T) {
	in, st, _, _ := newTestInstance(t)

	for i := 0; i < 60; i++ {
		st.AppendLog(models.LogEntry{AccountID: "a1", Severity: models.SeverityInfo, Message: "m", CreatedAt: int64(i)})
		st.AppendMessage(models.ChatMessage{AccountID: "a1", Username: "u", Message: "m", CreatedAt: int64(i)})
	}

	pub := in.pub
	rec := &recorder{}
	sub := pub.Attach(rec)

	in.Replay(context.Background(), sub)

	evs := rec.eventsList(t)
	want := []events.Topic{events.TopicMessages, events.TopicLogs, events.TopicStatus}
	if len(evs) != len(want) {
		t.Fatalf("expected %d replay events, got %d", len(want), len(evs))
	}

	var logs []models.LogEntry
	if err := json.Unmarshal(evs[1].Payload, &logs); err != nil {
		t.Fatalf("bad logs payload: %v", err)
	}
	if len(logs) != 50 {
		t.Fatalf("replay must be capped at 50 entries, got %d", len(logs))
	}
	if logs[0].CreatedAt != 10 || logs[49].CreatedAt != 59 {
		t.Errorf("replay must be the most recent entries in chronological order, got first=%d last=%d",
			logs[0].CreatedAt, logs[49].CreatedAt)
	}
}

func TestOpenViewer_FailureLeavesStateUntouched(t *testing.T) {
	in, _, dialer, rec := newTestInstance(t)

	in.Start()
	waitFor(t, func() bool { return dialer.dialCount() == 1 })
	before, _ := rec.lastStatus(t)

	// manager has no viewer command configured, so Open must fail
	in.OpenViewer()

	evs := rec.eventsList(t)
	last := evs[len(evs)-1]
	if last.Topic != events.TopicLog {
		t.Fatalf("viewer failure must surface as a log event, got %s", last.Topic)
	}
	var entry models.LogEntry
	if err := json.Unmarshal(last.Payload, &entry); err != nil {
		t.Fatalf("bad log payload: %v", err)
	}
	if entry.Severity != models.SeverityWarn {
		t.Errorf("expected WARN severity, got %s", entry.Severity)
	}

	after := in.Status()
	if after.Status != before.Status || after.StartedAt != before.StartedAt {
		t.Error("viewer failure must not change instance status")
	}
}
