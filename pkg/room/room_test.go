package room_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liveroom/liveroom/pkg/protocol"
	"github.com/liveroom/liveroom/pkg/room"
)

// deck is the storage document used by the tests: a shared slide deck.
type deck struct {
	Slides            []string `json:"slides"`
	CurrentSlideIndex int      `json:"current_slide_index"`
}

type deckOp struct {
	Type  string `json:"type"`
	Slide string `json:"slide,omitempty"`
	Index int    `json:"index,omitempty"`
}

func applyDeck(s deck, op deckOp) deck {
	switch op.Type {
	case "AddSlide":
		s.Slides = append(append([]string{}, s.Slides...), op.Slide)
	case "RemoveSlide":
		if op.Index >= 0 && op.Index < len(s.Slides) {
			s.Slides = append(append([]string{}, s.Slides[:op.Index]...), s.Slides[op.Index+1:]...)
		}
	case "GoToSlide":
		s.CurrentSlideIndex = op.Index
	}
	return s
}

type cursor struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func replaceCursor(_ cursor, op cursor) cursor { return op }

// fakeTransport records outbound traffic and lets tests control dialing
// and the snapshot fetch.
type fakeTransport struct {
	mu        sync.Mutex
	dials     int
	dialErr   error
	sent      []protocol.ClientMessage
	sendHook  func(protocol.ClientMessage)
	snapshot  json.RawMessage
	fetchErr  error
	fetchGate chan struct{}
}

func (f *fakeTransport) ConnectRoom(ctx context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	return f.dialErr
}

func (f *fakeTransport) Send(roomID string, msg protocol.ClientMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	hook := f.sendHook
	f.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (f *fakeTransport) setSendHook(fn func(protocol.ClientMessage)) {
	f.mu.Lock()
	f.sendHook = fn
	f.mu.Unlock()
}

func (f *fakeTransport) FetchStorage(ctx context.Context, roomID string) (json.RawMessage, error) {
	f.mu.Lock()
	gate := f.fetchGate
	snap := f.snapshot
	err := f.fetchErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return snap, err
}

func (f *fakeTransport) CloseRoom(string) {}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeTransport) sentMessages() []protocol.ClientMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.ClientMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) joinCount() int {
	n := 0
	for _, m := range f.sentMessages() {
		if _, ok := m.(protocol.JoinRoom); ok {
			n++
		}
	}
	return n
}

func (f *fakeTransport) sentStorageUpdates() []protocol.UpdateStorage {
	var out []protocol.UpdateStorage
	for _, m := range f.sentMessages() {
		if u, ok := m.(protocol.UpdateStorage); ok {
			out = append(out, u)
		}
	}
	return out
}

func newTestRoom(t *testing.T, ft *fakeTransport) *room.Room[cursor, cursor, deck, deckOp] {
	t.Helper()
	if ft.snapshot == nil {
		ft.snapshot = json.RawMessage(`{"slides":[],"current_slide_index":0}`)
	}
	r, err := room.New(ft, "r1", room.Config[cursor, cursor, deck, deckOp]{
		InitialPresence: cursor{},
		ApplyPresence:   replaceCursor,
		ApplyStorage:    applyDeck,
		DialTimeout:     time.Second,
		BackoffBase:     5 * time.Millisecond,
		BackoffCap:      20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new room: %v", err)
	}
	return r
}

func waitStatus(t *testing.T, ch <-chan room.Status, want room.Status) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %v", want)
		}
	}
}

func waitSync(t *testing.T, ch <-chan room.StorageStatus, want room.StorageStatus) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for sync status %v", want)
		}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// connectAndSync drives the room to Connected with storage Synchronized.
func connectAndSync(t *testing.T, r *room.Room[cursor, cursor, deck, deckOp]) {
	t.Helper()
	statusCh := make(chan room.Status, 16)
	syncCh := make(chan room.StorageStatus, 16)
	unsubS := r.SubscribeStatus(func(s room.Status) { statusCh <- s })
	unsubY := r.SubscribeSyncStatus(func(s room.StorageStatus) { syncCh <- s })
	defer unsubS()
	defer unsubY()

	r.Connect()
	waitStatus(t, statusCh, room.StatusConnected)
	waitSync(t, syncCh, room.StorageSynchronized)
}

func TestConnectFollowsTransitionTable(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRoom(t, ft)

	if got := r.Status(); got != room.StatusInitial {
		t.Fatalf("fresh room status = %v, want initial", got)
	}

	statusCh := make(chan room.Status, 16)
	defer r.SubscribeStatus(func(s room.Status) { statusCh <- s })()

	r.Connect()
	waitStatus(t, statusCh, room.StatusConnecting)
	waitStatus(t, statusCh, room.StatusConnected)

	// connect() while connected is a no-op: no duplicate socket.
	dials := ft.dialCount()
	r.Connect()
	time.Sleep(50 * time.Millisecond)
	if got := ft.dialCount(); got != dials {
		t.Fatalf("connect while connected dialed again: %d -> %d", dials, got)
	}

	r.Disconnect()
	waitStatus(t, statusCh, room.StatusDisconnected)

	// The same instance is reusable after disconnect.
	r.Connect()
	waitStatus(t, statusCh, room.StatusConnecting)
	waitStatus(t, statusCh, room.StatusConnected)
}

func TestDialFailureLandsInDisconnected(t *testing.T) {
	ft := &fakeTransport{dialErr: errors.New("refused")}
	r := newTestRoom(t, ft)

	statusCh := make(chan room.Status, 16)
	defer r.SubscribeStatus(func(s room.Status) { statusCh <- s })()

	r.Connect()
	waitStatus(t, statusCh, room.StatusDisconnected)
}

func TestInitialSnapshotLoad(t *testing.T) {
	ft := &fakeTransport{snapshot: json.RawMessage(`{"slides":[],"current_slide_index":0}`)}
	r := newTestRoom(t, ft)
	connectAndSync(t, r)

	snap := r.StorageSnapshot()
	if snap == nil {
		t.Fatal("snapshot is nil after load")
	}
	if len(snap.Slides) != 0 || snap.CurrentSlideIndex != 0 {
		t.Fatalf("snapshot = %+v, want empty deck at index 0", *snap)
	}
}

func TestSnapshotFetchFailureIsFailOpen(t *testing.T) {
	ft := &fakeTransport{fetchErr: errors.New("boom")}
	r := newTestRoom(t, ft)
	connectAndSync(t, r)

	if got := r.SyncStatus(); got != room.StorageSynchronized {
		t.Fatalf("sync status = %v, want synchronized despite fetch failure", got)
	}
	if r.StorageSnapshot() != nil {
		t.Fatal("snapshot should be nil after failed load")
	}
}

func TestUpdatePresenceWhileDisconnected(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRoom(t, ft)

	var published atomic.Int64
	defer r.SubscribePresence(func(cursor) { published.Add(1) })()

	r.UpdatePresence(cursor{X: 3, Y: 4}, nil)

	if got := r.Presence(); got != (cursor{X: 3, Y: 4}) {
		t.Fatalf("presence = %+v, want {3 4}", got)
	}
	if published.Load() != 1 {
		t.Fatalf("presence published %d times, want 1", published.Load())
	}
	if n := len(ft.sentMessages()); n != 0 {
		t.Fatalf("sent %d frames while disconnected, want 0", n)
	}
}

func TestBroadcastWhileDisconnectedIsDropped(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRoom(t, ft)

	r.BroadcastMsg(protocol.BroadcastEvent{Event: "reaction"})

	if n := len(ft.sentMessages()); n != 0 {
		t.Fatalf("sent %d frames while disconnected, want 0", n)
	}
}

func TestOthersUpsertByConnectionID(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRoom(t, ft)

	r.HandleServerMessage(protocol.PresenceUpdated{ConnectionID: 7, Presence: json.RawMessage(`{"x":1,"y":1}`)})
	if others := r.Others(); len(others) != 1 || others[0].Presence.X != 1 {
		t.Fatalf("others = %+v, want one entry at {1 1}", others)
	}

	r.HandleServerMessage(protocol.PresenceUpdated{ConnectionID: 7, Presence: json.RawMessage(`{"x":9,"y":9}`)})
	others := r.Others()
	if len(others) != 1 {
		t.Fatalf("others grew to %d entries for one connection id", len(others))
	}
	if others[0].Presence != (cursor{X: 9, Y: 9}) {
		t.Fatalf("presence not replaced in place: %+v", others[0].Presence)
	}

	// Join order is preserved for new participants.
	r.HandleServerMessage(protocol.PresenceUpdated{ConnectionID: 3, Presence: json.RawMessage(`{"x":0,"y":0}`)})
	others = r.Others()
	if len(others) != 2 || others[0].ConnectionID != 7 || others[1].ConnectionID != 3 {
		t.Fatalf("others order = %+v, want [7 3]", others)
	}
}

func TestPeerDepartureRemovesOther(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRoom(t, ft)

	r.HandleServerMessage(protocol.PresenceUpdated{ConnectionID: 7, Presence: json.RawMessage(`{"x":1,"y":1}`)})
	r.HandleServerMessage(protocol.RoomLeft{RoomID: "r1", ConnectionID: 7})

	if others := r.Others(); len(others) != 0 {
		t.Fatalf("others = %+v after departure, want empty", others)
	}
}

func TestSelfAdoptsServerConnectionID(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRoom(t, ft)
	connectAndSync(t, r)

	r.HandleServerMessage(protocol.RoomJoined{RoomID: "r1", ConnectionID: 42})
	self, ok := r.Self()
	if !ok {
		t.Fatal("no self after connect")
	}
	if self.ConnectionID != 42 {
		t.Fatalf("self connection id = %d, want 42", self.ConnectionID)
	}
}

func TestStorageBatchPublishesOnce(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRoom(t, ft)

	var storagePublishes atomic.Int64
	defer r.SubscribeStorage(func(deck) { storagePublishes.Add(1) })()

	connectAndSync(t, r)
	eventually(t, func() bool { return storagePublishes.Load() == 1 }, "initial snapshot publish missing")

	ops := []protocol.Operation{
		{Body: json.RawMessage(`{"type":"AddSlide","slide":"a"}`)},
		{Body: json.RawMessage(`{"type":"AddSlide","slide":"b"}`)},
		{Body: json.RawMessage(`{"type":"GoToSlide","index":1}`)},
	}
	r.HandleServerMessage(protocol.StorageUpdated{Operations: ops})

	if got := storagePublishes.Load(); got != 2 {
		t.Fatalf("storage published %d times for one batch, want 2 total", got)
	}

	// The result equals sequential application of each operation.
	want := deck{}
	for _, op := range []deckOp{{Type: "AddSlide", Slide: "a"}, {Type: "AddSlide", Slide: "b"}, {Type: "GoToSlide", Index: 1}} {
		want = applyDeck(want, op)
	}
	snap := r.StorageSnapshot()
	if snap.CurrentSlideIndex != want.CurrentSlideIndex || len(snap.Slides) != len(want.Slides) {
		t.Fatalf("snapshot = %+v, want %+v", *snap, want)
	}
	for i := range want.Slides {
		if snap.Slides[i] != want.Slides[i] {
			t.Fatalf("snapshot = %+v, want %+v", *snap, want)
		}
	}
}

func TestOptimisticUpdateSuppressesEcho(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRoom(t, ft)
	connectAndSync(t, r)

	r.UpdateStorage(deckOp{Type: "AddSlide", Slide: "intro"})

	snap := r.StorageSnapshot()
	if len(snap.Slides) != 1 {
		t.Fatalf("optimistic apply missing: %+v", *snap)
	}
	if got := r.SyncStatus(); got != room.StorageSynchronizing {
		t.Fatalf("sync status = %v while op unacknowledged, want synchronizing", got)
	}

	updates := ft.sentStorageUpdates()
	if len(updates) != 1 || len(updates[0].Operations) != 1 {
		t.Fatalf("sent updates = %+v, want one frame with one op", updates)
	}
	if updates[0].Operations[0].OpID == "" {
		t.Fatal("outbound operation missing op id")
	}

	// The server echoes the batch to everyone, sender included.
	r.HandleServerMessage(protocol.StorageUpdated{Operations: updates[0].Operations})

	snap = r.StorageSnapshot()
	if len(snap.Slides) != 1 {
		t.Fatalf("echo was applied twice: %+v", *snap)
	}
	if got := r.SyncStatus(); got != room.StorageSynchronized {
		t.Fatalf("sync status = %v after ack, want synchronized", got)
	}
}

func TestUpdateStorageWhileDisconnectedIsLocalOnly(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRoom(t, ft)

	r.UpdateStorage(deckOp{Type: "AddSlide", Slide: "offline"})

	if n := len(ft.sentMessages()); n != 0 {
		t.Fatalf("sent %d frames while disconnected, want 0", n)
	}
	if snap := r.StorageSnapshot(); snap == nil || len(snap.Slides) != 1 {
		t.Fatalf("local edit missing: %+v", snap)
	}
}

func TestDeltaDuringSnapshotLoadIsBuffered(t *testing.T) {
	gate := make(chan struct{})
	ft := &fakeTransport{
		snapshot:  json.RawMessage(`{"slides":["base"],"current_slide_index":0}`),
		fetchGate: gate,
	}
	r := newTestRoom(t, ft)

	statusCh := make(chan room.Status, 16)
	syncCh := make(chan room.StorageStatus, 16)
	defer r.SubscribeStatus(func(s room.Status) { statusCh <- s })()
	defer r.SubscribeSyncStatus(func(s room.StorageStatus) { syncCh <- s })()

	r.Connect()
	waitStatus(t, statusCh, room.StatusConnected)

	// Fetch is blocked; this delta races it and must not be lost.
	r.HandleServerMessage(protocol.StorageUpdated{Operations: []protocol.Operation{
		{Body: json.RawMessage(`{"type":"AddSlide","slide":"late"}`)},
	}})

	close(gate)
	waitSync(t, syncCh, room.StorageSynchronized)

	snap := r.StorageSnapshot()
	if snap == nil || len(snap.Slides) != 2 || snap.Slides[0] != "base" || snap.Slides[1] != "late" {
		t.Fatalf("snapshot = %+v, want [base late]", snap)
	}
}

func TestDisconnectCancelsSnapshotFetch(t *testing.T) {
	gate := make(chan struct{})
	ft := &fakeTransport{
		snapshot:  json.RawMessage(`{"slides":["stale"],"current_slide_index":0}`),
		fetchGate: gate,
	}
	r := newTestRoom(t, ft)

	statusCh := make(chan room.Status, 16)
	defer r.SubscribeStatus(func(s room.Status) { statusCh <- s })()

	r.Connect()
	waitStatus(t, statusCh, room.StatusConnected)
	r.Disconnect()
	waitStatus(t, statusCh, room.StatusDisconnected)
	close(gate)

	time.Sleep(50 * time.Millisecond)
	if snap := r.StorageSnapshot(); snap != nil {
		t.Fatalf("late snapshot response resurrected storage: %+v", *snap)
	}
}

func TestTransportCloseTriggersReconnect(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRoom(t, ft)

	statusCh := make(chan room.Status, 16)
	defer r.SubscribeStatus(func(s room.Status) { statusCh <- s })()

	r.Connect()
	waitStatus(t, statusCh, room.StatusConnected)

	r.TransportClosed(errors.New("connection reset"))
	waitStatus(t, statusCh, room.StatusReconnecting)
	waitStatus(t, statusCh, room.StatusConnected)

	if ft.dialCount() < 2 {
		t.Fatalf("dial count = %d after reconnect, want >= 2", ft.dialCount())
	}
}

func TestReconnectSurvivesDropDuringHandshake(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRoom(t, ft)

	statusCh := make(chan room.Status, 32)
	defer r.SubscribeStatus(func(s room.Status) { statusCh <- s })()

	r.Connect()
	waitStatus(t, statusCh, room.StatusConnected)
	eventually(t, func() bool { return ft.joinCount() == 1 }, "initial handshake never sent")

	// The next handshake dies mid-flight, the way a flaky network kills a
	// connection right after it opens.
	var dropped atomic.Bool
	ft.setSendHook(func(msg protocol.ClientMessage) {
		if _, ok := msg.(protocol.JoinRoom); ok && dropped.CompareAndSwap(false, true) {
			r.TransportClosed(errors.New("connection reset"))
		}
	})

	r.TransportClosed(errors.New("connection lost"))

	eventually(t, func() bool {
		return r.Status() == room.StatusConnected && ft.joinCount() >= 3
	}, "room wedged in reconnecting after handshake drop")
}

func TestOthersDoNotSurviveDisconnect(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRoom(t, ft)
	connectAndSync(t, r)

	r.HandleServerMessage(protocol.PresenceUpdated{ConnectionID: 7, Presence: json.RawMessage(`{"x":1,"y":1}`)})
	if len(r.Others()) != 1 {
		t.Fatal("presence frame not applied")
	}

	var lastLen atomic.Int64
	lastLen.Store(-1)
	defer r.SubscribeOthers(func(us []room.User[cursor]) { lastLen.Store(int64(len(us))) })()

	r.Disconnect()

	if n := len(r.Others()); n != 0 {
		t.Fatalf("others after disconnect has %d entries, want 0", n)
	}
	if lastLen.Load() != 0 {
		t.Fatal("no empty others notification after disconnect")
	}
}

func TestOthersClearedWhenConnectionDrops(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRoom(t, ft)
	connectAndSync(t, r)

	r.HandleServerMessage(protocol.PresenceUpdated{ConnectionID: 7, Presence: json.RawMessage(`{"x":1,"y":1}`)})

	// Peers that depart while this client is offline never send a RoomLeft
	// we can see; the join replay repopulates others from scratch instead.
	r.TransportClosed(errors.New("connection reset"))
	if n := len(r.Others()); n != 0 {
		t.Fatalf("others after connection drop has %d entries, want 0", n)
	}
}

func TestStaleOpIDsDoNotSuppressAfterReconnect(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRoom(t, ft)
	connectAndSync(t, r)

	r.UpdateStorage(deckOp{Type: "AddSlide", Slide: "one"})
	updates := ft.sentStorageUpdates()
	if len(updates) != 1 || len(updates[0].Operations) != 1 {
		t.Fatalf("sent updates = %+v, want one frame with one op", updates)
	}
	opID := updates[0].Operations[0].OpID

	r.Disconnect()
	connectAndSync(t, r)

	// The server applied the old session's op; its replay in the new
	// session is a regular remote operation, not an echo to swallow.
	r.HandleServerMessage(protocol.StorageUpdated{Operations: []protocol.Operation{
		{OpID: opID, Body: json.RawMessage(`{"type":"AddSlide","slide":"one"}`)},
	}})

	snap := r.StorageSnapshot()
	if snap == nil || len(snap.Slides) != 1 || snap.Slides[0] != "one" {
		t.Fatalf("snapshot = %+v, want the replayed slide applied", snap)
	}
	if got := r.SyncStatus(); got != room.StorageSynchronized {
		t.Fatalf("sync status = %v, want synchronized", got)
	}
}

func TestMutateRequiresConnection(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRoom(t, ft)

	err := r.Mutate(func(room.MutationContext[cursor, cursor, deck]) error { return nil })
	if !errors.Is(err, room.ErrNotConnected) {
		t.Fatalf("Mutate while disconnected = %v, want ErrNotConnected", err)
	}

	connectAndSync(t, r)

	var seen deck
	err = r.Mutate(func(mc room.MutationContext[cursor, cursor, deck]) error {
		seen = mc.Storage
		mc.SetMyPresence(cursor{X: 5, Y: 5}, nil)
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate while connected: %v", err)
	}
	if seen.CurrentSlideIndex != 0 || len(seen.Slides) != 0 {
		t.Fatalf("mutation context storage = %+v, want empty deck", seen)
	}
	if got := r.Presence(); got != (cursor{X: 5, Y: 5}) {
		t.Fatalf("presence after mutation = %+v, want {5 5}", got)
	}
}

func TestBatchCoalescesPublishes(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRoom(t, ft)

	var presencePublishes atomic.Int64
	defer r.SubscribePresence(func(cursor) { presencePublishes.Add(1) })()

	r.Batch(func() {
		r.UpdatePresence(cursor{X: 1, Y: 1}, nil)
		r.UpdatePresence(cursor{X: 2, Y: 2}, nil)
		r.UpdatePresence(cursor{X: 3, Y: 3}, nil)
	})

	if got := presencePublishes.Load(); got != 1 {
		t.Fatalf("presence published %d times inside batch, want 1", got)
	}
	if got := r.Presence(); got != (cursor{X: 3, Y: 3}) {
		t.Fatalf("presence = %+v, want {3 3}", got)
	}
}

func TestEventViewRoundTrip(t *testing.T) {
	ft := &fakeTransport{}
	r := newTestRoom(t, ft)

	got := make(chan json.RawMessage, 1)
	view := r.EventView("reaction")
	defer view.Subscribe(func(data json.RawMessage) { got <- data })()

	r.HandleServerMessage(protocol.EventBroadcasted{Event: "reaction", Data: json.RawMessage(`{"emoji":"wave"}`), ConnectionID: 9})

	select {
	case data := <-got:
		if string(data) != `{"emoji":"wave"}` {
			t.Fatalf("event payload = %s", data)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}
