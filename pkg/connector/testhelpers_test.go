// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/database"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

const (
	testOwner  = id.UserID("@alice:example.com")
	testBot    = id.UserID("@gupshupbot:example.com")
	testPhone  = "15550001"
	testGhost  = id.UserID("@gupshup_15550001:example.com")
	testTenant = "acme"
)

func testSender() gupshup.Sender {
	return gupshup.Sender{Phone: testPhone}
}

// sentEvent is a message sent through a fake intent.
type sentEvent struct {
	ID      id.EventID
	RoomID  id.RoomID
	Sender  id.UserID
	Type    event.Type
	Content *event.MessageEventContent
}

type sentReaction struct {
	ID     id.EventID
	RoomID id.RoomID
	Sender id.UserID
	Target id.EventID
	Key    string
}

type readMarker struct {
	RoomID  id.RoomID
	Sender  id.UserID
	EventID id.EventID
}

type fakeRoom struct {
	params  *RoomCreateParams
	creator id.UserID
	members []id.UserID
	levels  *event.PowerLevelsEventContent
}

// fakeHomeserver records everything the bridge does on Matrix.
type fakeHomeserver struct {
	mu sync.Mutex

	nextID       int
	rooms        map[id.RoomID]*fakeRoom
	messages     []sentEvent
	reactions    []sentReaction
	redactions   []id.EventID
	reads        []readMarker
	uploads      int
	registered   map[id.UserID]bool
	displaynames map[id.UserID]string

	// createDelay widens the window for concurrent room creation.
	createDelay time.Duration
	failCreate  error
	failInvite  error
}

func newFakeHomeserver() *fakeHomeserver {
	return &fakeHomeserver{
		rooms:        make(map[id.RoomID]*fakeRoom),
		registered:   make(map[id.UserID]bool),
		displaynames: make(map[id.UserID]string),
	}
}

func (hs *fakeHomeserver) newID(prefix string) string {
	hs.nextID++
	return fmt.Sprintf("%s%d", prefix, hs.nextID)
}

func (hs *fakeHomeserver) RoomCount() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return len(hs.rooms)
}

func (hs *fakeHomeserver) Messages() []sentEvent {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]sentEvent(nil), hs.messages...)
}

func (hs *fakeHomeserver) Reactions() []sentReaction {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]sentReaction(nil), hs.reactions...)
}

func (hs *fakeHomeserver) Redactions() []id.EventID {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]id.EventID(nil), hs.redactions...)
}

func (hs *fakeHomeserver) Reads() []readMarker {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]readMarker(nil), hs.reads...)
}

func (hs *fakeHomeserver) Room(roomID id.RoomID) *fakeRoom {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.rooms[roomID]
}

// Leave removes a member from a room.
func (hs *fakeHomeserver) Leave(roomID id.RoomID, userID id.UserID) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	room := hs.rooms[roomID]
	for i, member := range room.members {
		if member == userID {
			room.members = append(room.members[:i], room.members[i+1:]...)
			return
		}
	}
}

// lastMessage returns the newest message in a room.
func (hs *fakeHomeserver) lastMessage(roomID id.RoomID) *sentEvent {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	for i := len(hs.messages) - 1; i >= 0; i-- {
		if hs.messages[i].RoomID == roomID {
			evt := hs.messages[i]
			return &evt
		}
	}
	return nil
}

// fakeIntent implements MatrixAPI for one user.
type fakeIntent struct {
	hs     *fakeHomeserver
	userID id.UserID
}

var _ MatrixAPI = (*fakeIntent)(nil)

func (fi *fakeIntent) UserID() id.UserID { return fi.userID }

func (fi *fakeIntent) EnsureRegistered(_ context.Context) error {
	fi.hs.mu.Lock()
	defer fi.hs.mu.Unlock()
	fi.hs.registered[fi.userID] = true
	return nil
}

func (fi *fakeIntent) CreateRoom(_ context.Context, params *RoomCreateParams) (id.RoomID, error) {
	fi.hs.mu.Lock()
	delay, failure := fi.hs.createDelay, fi.hs.failCreate
	fi.hs.mu.Unlock()
	time.Sleep(delay)
	if failure != nil {
		return "", failure
	}

	fi.hs.mu.Lock()
	defer fi.hs.mu.Unlock()
	roomID := id.RoomID(fi.hs.newID("!room") + ":example.com")
	room := &fakeRoom{
		params:  params,
		creator: fi.userID,
		members: append([]id.UserID{fi.userID}, params.Invite...),
	}
	for _, evt := range params.InitialState {
		if evt.Type == event.StatePowerLevels {
			room.levels = evt.Content.Parsed.(*event.PowerLevelsEventContent)
		}
	}
	fi.hs.rooms[roomID] = room
	return roomID, nil
}

func (fi *fakeIntent) InviteUser(_ context.Context, roomID id.RoomID, userID id.UserID, _ bool) error {
	fi.hs.mu.Lock()
	defer fi.hs.mu.Unlock()
	if fi.hs.failInvite != nil {
		return fi.hs.failInvite
	}
	room, ok := fi.hs.rooms[roomID]
	if !ok {
		return errors.New("M_NOT_FOUND")
	}
	// Invites are accepted immediately.
	room.members = append(room.members, userID)
	return nil
}

func (fi *fakeIntent) GetJoinedMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	fi.hs.mu.Lock()
	defer fi.hs.mu.Unlock()
	room, ok := fi.hs.rooms[roomID]
	if !ok {
		return nil, errors.New("M_NOT_FOUND")
	}
	return append([]id.UserID(nil), room.members...), nil
}

func (fi *fakeIntent) GetPowerLevels(_ context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error) {
	fi.hs.mu.Lock()
	defer fi.hs.mu.Unlock()
	room, ok := fi.hs.rooms[roomID]
	if !ok || room.levels == nil {
		return nil, errors.New("M_NOT_FOUND")
	}
	data, err := json.Marshal(room.levels)
	if err != nil {
		return nil, err
	}
	var levels event.PowerLevelsEventContent
	return &levels, json.Unmarshal(data, &levels)
}

func (fi *fakeIntent) SetPowerLevels(_ context.Context, roomID id.RoomID, levels *event.PowerLevelsEventContent) error {
	fi.hs.mu.Lock()
	defer fi.hs.mu.Unlock()
	fi.hs.rooms[roomID].levels = levels
	return nil
}

func (fi *fakeIntent) SendMessage(_ context.Context, roomID id.RoomID, evtType event.Type, content *event.MessageEventContent) (id.EventID, error) {
	fi.hs.mu.Lock()
	defer fi.hs.mu.Unlock()
	eventID := id.EventID(fi.hs.newID("$evt"))
	fi.hs.messages = append(fi.hs.messages, sentEvent{ID: eventID, RoomID: roomID, Sender: fi.userID, Type: evtType, Content: content})
	return eventID, nil
}

func (fi *fakeIntent) SendReaction(_ context.Context, roomID id.RoomID, target id.EventID, key string) (id.EventID, error) {
	fi.hs.mu.Lock()
	defer fi.hs.mu.Unlock()
	eventID := id.EventID(fi.hs.newID("$react"))
	fi.hs.reactions = append(fi.hs.reactions, sentReaction{ID: eventID, RoomID: roomID, Sender: fi.userID, Target: target, Key: key})
	return eventID, nil
}

func (fi *fakeIntent) Redact(_ context.Context, _ id.RoomID, eventID id.EventID) error {
	fi.hs.mu.Lock()
	defer fi.hs.mu.Unlock()
	fi.hs.redactions = append(fi.hs.redactions, eventID)
	return nil
}

func (fi *fakeIntent) MarkRead(_ context.Context, roomID id.RoomID, eventID id.EventID) error {
	fi.hs.mu.Lock()
	defer fi.hs.mu.Unlock()
	fi.hs.reads = append(fi.hs.reads, readMarker{RoomID: roomID, Sender: fi.userID, EventID: eventID})
	return nil
}

func (fi *fakeIntent) UploadMedia(_ context.Context, _ []byte, _ string) (id.ContentURIString, error) {
	fi.hs.mu.Lock()
	defer fi.hs.mu.Unlock()
	fi.hs.uploads++
	return id.ContentURIString(fi.hs.newID("mxc://example.com/media")), nil
}

func (fi *fakeIntent) SetDisplayName(_ context.Context, name string) error {
	fi.hs.mu.Lock()
	defer fi.hs.mu.Unlock()
	fi.hs.displaynames[fi.userID] = name
	return nil
}

// fakeConnector hands out fakeIntents backed by one fakeHomeserver.
type fakeConnector struct {
	hs  *fakeHomeserver
	bot id.UserID
}

func (fc *fakeConnector) BotIntent() MatrixAPI {
	return &fakeIntent{hs: fc.hs, userID: fc.bot}
}

func (fc *fakeConnector) GhostIntent(userID id.UserID) MatrixAPI {
	return &fakeIntent{hs: fc.hs, userID: userID}
}

func (fc *fakeConnector) DoublePuppetIntent(_ context.Context, userID id.UserID, accessToken, _ string) (MatrixAPI, error) {
	if accessToken == "invalid" {
		return nil, errors.New("M_UNKNOWN_TOKEN")
	}
	return &fakeIntent{hs: fc.hs, userID: userID}, nil
}

// gupshupCall records a request to the fake Gupshup API.
type gupshupCall struct {
	Method string
	Path   string
	Form   url.Values
}

// Message decodes the "message" form field.
func (gc gupshupCall) Message() map[string]any {
	var msg map[string]any
	_ = json.Unmarshal([]byte(gc.Form.Get("message")), &msg)
	return msg
}

// fakeGupshup simulates the Gupshup API. Sends get sequential message IDs
// G1, G2 and so on.
type fakeGupshup struct {
	Server *httptest.Server

	mu     sync.Mutex
	calls  []gupshupCall
	nextID int
	// fail makes message and template sends return HTTP 400.
	fail bool
}

func newFakeGupshup(t *testing.T) *fakeGupshup {
	t.Helper()
	fg := &fakeGupshup{}
	fg.Server = httptest.NewServer(http.HandlerFunc(fg.handle))
	t.Cleanup(fg.Server.Close)
	return fg
}

func (fg *fakeGupshup) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	form, _ := url.ParseQuery(string(body))
	fg.mu.Lock()
	fg.calls = append(fg.calls, gupshupCall{Method: r.Method, Path: r.URL.Path, Form: form})
	fail := fg.fail
	fg.nextID++
	msgID := fmt.Sprintf("G%d", fg.nextID)
	fg.mu.Unlock()

	switch {
	case strings.HasPrefix(r.URL.Path, "/media/"):
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	case strings.HasPrefix(r.URL.Path, "/wa/app/"):
		w.WriteHeader(http.StatusAccepted)
	case fail:
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","message":"Invalid destination"}`))
	default:
		w.WriteHeader(http.StatusAccepted)
		_, _ = fmt.Fprintf(w, `{"status":"submitted","messageId":%q}`, msgID)
	}
}

func (fg *fakeGupshup) Calls() []gupshupCall {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return append([]gupshupCall(nil), fg.calls...)
}

// Sends returns the calls made to the message endpoint.
func (fg *fakeGupshup) Sends() []gupshupCall {
	var sends []gupshupCall
	for _, call := range fg.Calls() {
		if call.Path == "/msg" {
			sends = append(sends, call)
		}
	}
	return sends
}

func (fg *fakeGupshup) SetFail(fail bool) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.fail = fail
}

// testBridge bundles a Bridge with its fakes.
type testBridge struct {
	*Bridge
	DB      *database.Database
	HS      *fakeHomeserver
	Gupshup *fakeGupshup
}

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		t.Fatalf("failed to parse example config: %v", err)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return &cfg
}

func newTestDatabase(t *testing.T) *database.Database {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	raw, err := dbutil.NewWithDialect("file:"+name+"?mode=memory&cache=shared&_fk=1", "sqlite3")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = raw.Close() })
	db := database.New(raw)
	if err = db.Upgrade(context.Background()); err != nil {
		t.Fatalf("failed to upgrade database: %v", err)
	}
	// Shared-cache SQLite only tolerates one writer at a time.
	raw.RawDB.SetMaxOpenConns(1)
	return db
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	cfg := newTestConfig(t)
	db := newTestDatabase(t)
	hs := newFakeHomeserver()
	fg := newFakeGupshup(t)
	client := gupshup.NewClient(gupshup.ClientConfig{
		MessageURL:  fg.Server.URL + "/msg",
		TemplateURL: fg.Server.URL + "/template",
		ReadURL:     fg.Server.URL + "/wa/app",
	}, zerolog.Nop())
	bridge := NewBridge(cfg, StoresFromDatabase(db), &fakeConnector{hs: hs, bot: cfg.BotMXID()}, client, nil, nil, zerolog.Nop())
	return &testBridge{Bridge: bridge, DB: db, HS: hs, Gupshup: fg}
}

// registerAcme registers the acme tenant owned by testOwner.
func (tb *testBridge) registerAcme(t *testing.T) *database.Tenant {
	t.Helper()
	tenant, err := tb.Tenants.Register(context.Background(), testTenant, testOwner, "app-1", "key-1", "+1 555 999 9999")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return tenant
}

// deliver parses a webhook body and hands it to the bridge.
func (tb *testBridge) deliver(t *testing.T, tenant *database.Tenant, body string) error {
	t.Helper()
	evt, err := gupshup.ParseWebhook([]byte(body))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	return tb.HandleGupshupEvent(context.Background(), tenant, evt)
}

func inboundText(msgID, phone, text string) string {
	return fmt.Sprintf(`{"app":"acme","type":"message","payload":{"id":%q,"type":"text",`+
		`"sender":{"phone":%q,"name":"Bob"},"payload":{"text":%q}}}`, msgID, phone, text)
}

func inboundReaction(msgID, target, emoji string) string {
	return fmt.Sprintf(`{"app":"acme","type":"message","payload":{"id":%q,"type":"reaction",`+
		`"sender":{"phone":%q},"payload":{"gsId":%q,"emoji":%q}}}`, msgID, testPhone, target, emoji)
}

func statusEvent(remoteID, status string) string {
	return fmt.Sprintf(`{"app":"acme","type":"message-event","payload":{"id":"wamid.1","gsId":%q,"type":%q}}`,
		remoteID, status)
}

// matrixMessage builds a text message event from sender in roomID.
func matrixMessage(eventID id.EventID, roomID id.RoomID, sender id.UserID, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		ID:        eventID,
		RoomID:    roomID,
		Sender:    sender,
		Type:      event.EventMessage,
		Timestamp: time.Now().UnixMilli(),
		Content:   event.Content{Parsed: content},
	}
}

func matrixReaction(eventID id.EventID, roomID id.RoomID, sender id.UserID, target id.EventID, key string) *event.Event {
	return &event.Event{
		ID:        eventID,
		RoomID:    roomID,
		Sender:    sender,
		Type:      event.EventReaction,
		Timestamp: time.Now().UnixMilli(),
		Content: event.Content{Parsed: &event.ReactionEventContent{
			RelatesTo: event.RelatesTo{Type: event.RelAnnotation, EventID: target, Key: key},
		}},
	}
}

// openPortal delivers one inbound message so the acme portal has a room.
func (tb *testBridge) openPortal(t *testing.T, tenant *database.Tenant) (*Portal, id.RoomID) {
	t.Helper()
	if err := tb.deliver(t, tenant, inboundText("R1", testPhone, "hi")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	portal, err := tb.GetPortalByChatID(context.Background(), MakeChatID(testTenant, testPhone), false)
	if err != nil || portal == nil {
		t.Fatalf("GetPortalByChatID: %v %v", portal, err)
	}
	return portal, portal.RoomID()
}
