// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/connector"
	"github.com/aiku/mautrix-gupshup/pkg/database"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

const (
	testSecret = "s3cret"
	testOwner  = id.UserID("@alice:example.com")
)

type fakeRoom struct {
	members []id.UserID
	levels  *event.PowerLevelsEventContent
}

type sentMessage struct {
	RoomID id.RoomID
	Sender id.UserID
	Body   string
}

// fakeMatrix is an in-memory homeserver shared by all intents of a test.
type fakeMatrix struct {
	mu       sync.Mutex
	next     int
	rooms    map[id.RoomID]*fakeRoom
	messages []sentMessage
}

func (fm *fakeMatrix) Messages() []sentMessage {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return append([]sentMessage(nil), fm.messages...)
}

func (fm *fakeMatrix) Members(roomID id.RoomID) []id.UserID {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return append([]id.UserID(nil), fm.rooms[roomID].members...)
}

func (fm *fakeMatrix) Levels(roomID id.RoomID) *event.PowerLevelsEventContent {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.rooms[roomID].levels
}

type fakeIntent struct {
	fm     *fakeMatrix
	userID id.UserID
}

func (fi *fakeIntent) UserID() id.UserID                        { return fi.userID }
func (fi *fakeIntent) EnsureRegistered(_ context.Context) error { return nil }

func (fi *fakeIntent) CreateRoom(_ context.Context, params *connector.RoomCreateParams) (id.RoomID, error) {
	fi.fm.mu.Lock()
	defer fi.fm.mu.Unlock()
	fi.fm.next++
	roomID := id.RoomID(fmt.Sprintf("!room%d:example.com", fi.fm.next))
	room := &fakeRoom{members: append([]id.UserID{fi.userID}, params.Invite...)}
	for _, evt := range params.InitialState {
		if evt.Type == event.StatePowerLevels {
			room.levels = evt.Content.Parsed.(*event.PowerLevelsEventContent)
		}
	}
	fi.fm.rooms[roomID] = room
	return roomID, nil
}

func (fi *fakeIntent) InviteUser(_ context.Context, roomID id.RoomID, userID id.UserID, _ bool) error {
	fi.fm.mu.Lock()
	defer fi.fm.mu.Unlock()
	room, ok := fi.fm.rooms[roomID]
	if !ok {
		return errors.New("M_NOT_FOUND")
	}
	room.members = append(room.members, userID)
	return nil
}

func (fi *fakeIntent) GetJoinedMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	return fi.fm.Members(roomID), nil
}

func (fi *fakeIntent) GetPowerLevels(_ context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error) {
	fi.fm.mu.Lock()
	defer fi.fm.mu.Unlock()
	levels := fi.fm.rooms[roomID].levels
	if levels == nil {
		return &event.PowerLevelsEventContent{}, nil
	}
	return levels.Clone(), nil
}

func (fi *fakeIntent) SetPowerLevels(_ context.Context, roomID id.RoomID, levels *event.PowerLevelsEventContent) error {
	fi.fm.mu.Lock()
	defer fi.fm.mu.Unlock()
	fi.fm.rooms[roomID].levels = levels
	return nil
}

func (fi *fakeIntent) SendMessage(_ context.Context, roomID id.RoomID, _ event.Type, content *event.MessageEventContent) (id.EventID, error) {
	fi.fm.mu.Lock()
	defer fi.fm.mu.Unlock()
	fi.fm.next++
	fi.fm.messages = append(fi.fm.messages, sentMessage{RoomID: roomID, Sender: fi.userID, Body: content.Body})
	return id.EventID(fmt.Sprintf("$evt%d", fi.fm.next)), nil
}

func (fi *fakeIntent) SendReaction(_ context.Context, _ id.RoomID, _ id.EventID, _ string) (id.EventID, error) {
	return "$reaction", nil
}

func (fi *fakeIntent) Redact(_ context.Context, _ id.RoomID, _ id.EventID) error { return nil }

func (fi *fakeIntent) MarkRead(_ context.Context, _ id.RoomID, _ id.EventID) error { return nil }

func (fi *fakeIntent) UploadMedia(_ context.Context, _ []byte, _ string) (id.ContentURIString, error) {
	return "mxc://example.com/media", nil
}

func (fi *fakeIntent) SetDisplayName(_ context.Context, _ string) error { return nil }

type fakeConnector struct {
	fm  *fakeMatrix
	bot id.UserID
}

func (fc *fakeConnector) BotIntent() connector.MatrixAPI {
	return &fakeIntent{fm: fc.fm, userID: fc.bot}
}

func (fc *fakeConnector) GhostIntent(userID id.UserID) connector.MatrixAPI {
	return &fakeIntent{fm: fc.fm, userID: userID}
}

func (fc *fakeConnector) DoublePuppetIntent(_ context.Context, userID id.UserID, accessToken, _ string) (connector.MatrixAPI, error) {
	if accessToken == "invalid" {
		return nil, errors.New("M_UNKNOWN_TOKEN")
	}
	return &fakeIntent{fm: fc.fm, userID: userID}, nil
}

// testServer is a Server over a real bridge with fake Matrix and Gupshup
// backends.
type testServer struct {
	*Server
	Bridge *connector.Bridge
	DB     *database.Database
	Matrix *fakeMatrix
	Sends  func() int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	var cfg connector.Config
	if err := yaml.Unmarshal([]byte(connector.ExampleConfig), &cfg); err != nil {
		t.Fatalf("failed to parse example config: %v", err)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	cfg.API.SharedSecret = testSecret

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	raw, err := dbutil.NewWithDialect("file:api_"+name+"?mode=memory&cache=shared&_fk=1", "sqlite3")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = raw.Close() })
	db := database.New(raw)
	if err = db.Upgrade(context.Background()); err != nil {
		t.Fatalf("failed to upgrade database: %v", err)
	}
	raw.RawDB.SetMaxOpenConns(1)

	var mu sync.Mutex
	sends := 0
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sends++
		n := sends
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		_, _ = fmt.Fprintf(w, `{"status":"submitted","messageId":"G%d"}`, n)
	}))
	t.Cleanup(remote.Close)
	client := gupshup.NewClient(gupshup.ClientConfig{
		MessageURL:  remote.URL + "/msg",
		TemplateURL: remote.URL + "/template",
		ReadURL:     remote.URL + "/wa/app",
	}, zerolog.Nop())

	fm := &fakeMatrix{rooms: make(map[id.RoomID]*fakeRoom)}
	registry := prometheus.NewRegistry()
	bridge := connector.NewBridge(&cfg, connector.StoresFromDatabase(db), &fakeConnector{fm: fm, bot: cfg.BotMXID()},
		client, nil, connector.NewMetrics(registry), zerolog.Nop())
	return &testServer{
		Server: NewServer(bridge, registry, zerolog.Nop()),
		Bridge: bridge,
		DB:     db,
		Matrix: fm,
		Sends: func() int {
			mu.Lock()
			defer mu.Unlock()
			return sends
		},
	}
}

// do sends a request and returns the recorded response.
func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch typed := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(typed))
	default:
		data, _ := json.Marshal(typed)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	return rec
}

// provision sends an authenticated provisioning request as user.
func (ts *testServer) provision(method, path string, user id.UserID, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(method, "/_matrix/provision"+path+"?user_id="+string(user), bytes.NewReader(data))
	req.Header.Set("Authorization", "Bearer "+testSecret)
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) registerAcme(t *testing.T) *database.Tenant {
	t.Helper()
	tenant, err := ts.Bridge.Tenants.Register(context.Background(), "acme", testOwner, "app-1", "key-1", "+15559999999")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return tenant
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rec.Body.String())
	}
	return body
}
