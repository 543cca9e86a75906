// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/database"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

func TestAcmeFirstContactAndReadStatus(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	ctx := context.Background()

	require.NoError(t, tb.deliver(t, tenant, `{"app":"acme","type":"message","payload":{"id":"R1","type":"text",`+
		`"sender":{"phone":"15550001"},"body":{"text":"hi"}}}`))

	assert.Equal(t, 1, tb.HS.RoomCount())
	puppet, err := tb.DB.Puppet.GetByPhone(ctx, testPhone)
	require.NoError(t, err)
	require.NotNil(t, puppet)
	assert.True(t, puppet.IsRegistered)

	row, err := tb.DB.Message.GetByRemoteID(ctx, "R1")
	require.NoError(t, err)
	require.NotNil(t, row)
	portal, err := tb.GetPortalByChatID(ctx, "acme-15550001", false)
	require.NoError(t, err)
	assert.Equal(t, portal.RoomID(), row.RoomID)
	assert.Equal(t, testGhost, row.Sender)

	msgs := tb.HS.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, row.MXID, msgs[0].ID)
	assert.Equal(t, "hi", msgs[0].Content.Body)

	room := tb.HS.Room(row.RoomID)
	assert.Equal(t, testGhost, room.creator)
	assert.Contains(t, room.members, testOwner)
	assert.Contains(t, room.members, testBot)
	assert.Equal(t, testOwner, portal.GetRelayOwner())

	require.NoError(t, tb.deliver(t, tenant, `{"app":"acme","type":"message-event","payload":{"id":"wamid.1","gsId":"R1","type":"read"}}`))
	reads := tb.HS.Reads()
	require.Len(t, reads, 1)
	assert.Equal(t, row.MXID, reads[0].EventID)
	assert.Equal(t, row.RoomID, reads[0].RoomID)
}

func TestDuplicateOwnerKeepsFirstTenant(t *testing.T) {
	tb := newTestBridge(t)
	tb.registerAcme(t)
	ctx := context.Background()

	_, err := tb.Tenants.Register(ctx, "beta", testOwner, "app-2", "key-2", "+1 555 888 8888")
	require.ErrorIs(t, err, ErrDuplicateOwner)

	acme, err := tb.Tenants.ResolveByName(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, "app-1", acme.AppID)
	assert.Equal(t, testOwner, acme.Owner)
	_, err = tb.Tenants.ResolveByName(ctx, "beta")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestConcurrentFirstContactCreatesOneRoom(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	tb.HS.createDelay = 20 * time.Millisecond

	const senders = 8
	events := make([]gupshup.Event, senders)
	for i := range senders {
		evt, err := gupshup.ParseWebhook([]byte(inboundText(fmt.Sprintf("R%d", i), testPhone, "hello")))
		require.NoError(t, err)
		events[i] = evt
	}
	var wg sync.WaitGroup
	errs := make(chan error, senders)
	for _, evt := range events {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- tb.HandleGupshupEvent(context.Background(), tenant, evt)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, tb.HS.RoomCount())
	portal, err := tb.GetPortalByChatID(context.Background(), MakeChatID(testTenant, testPhone), false)
	require.NoError(t, err)
	for i := range senders {
		row, err := tb.DB.Message.GetByRemoteID(context.Background(), fmt.Sprintf("R%d", i))
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Equal(t, portal.RoomID(), row.RoomID)
	}
}

func TestReadStatusForOutboundMessage(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	_, roomID := tb.openPortal(t, tenant)

	tb.HandleMatrixEvent(context.Background(), matrixMessage("$out1", roomID, testOwner, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "hello from matrix",
	}))
	sends := tb.Gupshup.Sends()
	require.Len(t, sends, 1)
	assert.Equal(t, "hello from matrix", sends[0].Message()["text"])
	assert.Equal(t, "15559999999", sends[0].Form.Get("source"))
	assert.Equal(t, testPhone, sends[0].Form.Get("destination"))

	row, err := tb.DB.Message.GetByRemoteID(context.Background(), "G1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, id.EventID("$out1"), row.MXID)
	assert.Equal(t, testOwner, row.Sender)

	require.NoError(t, tb.deliver(t, tenant, statusEvent("G1", "read")))
	require.NoError(t, tb.deliver(t, tenant, statusEvent("unknown", "read")))
	require.NoError(t, tb.deliver(t, tenant, statusEvent("G1", "delivered")))

	reads := tb.HS.Reads()
	require.Len(t, reads, 1)
	assert.Equal(t, id.EventID("$out1"), reads[0].EventID)
}

func TestFailedStatusPostsNotice(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	_, roomID := tb.openPortal(t, tenant)

	tb.HandleMatrixEvent(context.Background(), matrixMessage("$out1", roomID, testOwner, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "are you there?",
	}))
	require.NoError(t, tb.deliver(t, tenant, `{"app":"acme","type":"message-event","payload":{"id":"wamid.1","gsId":"G1",`+
		`"type":"failed","destination":"15550001","payload":{"code":1002,"reason":"Number does not exist"}}}`))

	reactions := tb.HS.Reactions()
	require.Len(t, reactions, 1)
	assert.Equal(t, id.EventID("$out1"), reactions[0].Target)
	assert.Equal(t, "❌", reactions[0].Key)

	notice := tb.HS.lastMessage(roomID)
	require.NotNil(t, notice)
	assert.Equal(t, event.MsgNotice, notice.Content.MsgType)
	assert.Contains(t, notice.Content.Body, "Number does not exist on WhatsApp")
}

func TestStatusSideEffects(t *testing.T) {
	tests := []struct {
		name      string
		remoteID  string
		status    string
		code      int
		reactions int
		reads     int
		notice    string
	}{
		{name: "enqueued", remoteID: "G1", status: "enqueued"},
		{name: "sent", remoteID: "G1", status: "sent"},
		{name: "delivered", remoteID: "G1", status: "delivered"},
		{name: "read", remoteID: "G1", status: "read", reads: 1},
		{name: "failed with mapped code", remoteID: "G1", status: "failed", code: 1002, reactions: 1, notice: "Number does not exist on WhatsApp"},
		{name: "failed with unmapped code", remoteID: "G1", status: "failed", code: 9999, reactions: 1, notice: "Message failed, please try again"},
		{name: "failed for uncorrelated message", remoteID: "G404", status: "failed", code: 1013, notice: "User is not on WhatsApp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := newTestBridge(t)
			tenant := tb.registerAcme(t)
			_, roomID := tb.openPortal(t, tenant)
			tb.HandleMatrixEvent(context.Background(), matrixMessage("$out1", roomID, testOwner, &event.MessageEventContent{
				MsgType: event.MsgText,
				Body:    "order ready",
			}))
			before := len(tb.HS.Messages())

			require.NoError(t, tb.deliver(t, tenant, fmt.Sprintf(`{"app":"acme","type":"message-event","payload":`+
				`{"id":"wamid.1","gsId":%q,"type":%q,"destination":%q,"payload":{"code":%d}}}`,
				tt.remoteID, tt.status, testPhone, tt.code)))

			assert.Len(t, tb.HS.Reactions(), tt.reactions)
			assert.Len(t, tb.HS.Reads(), tt.reads)
			msgs := tb.HS.Messages()
			if tt.notice == "" {
				assert.Len(t, msgs, before)
				return
			}
			require.Len(t, msgs, before+1)
			last := msgs[len(msgs)-1]
			assert.Equal(t, event.MsgNotice, last.Content.MsgType)
			assert.Contains(t, last.Content.Body, tt.notice)
		})
	}
}

func TestInboundMalformedBodyPostsPlaceholder(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	ctx := context.Background()

	require.NoError(t, tb.deliver(t, tenant, `{"app":"acme","type":"message","payload":{"id":"R1","type":"location",`+
		`"sender":{"phone":"15550001"},"payload":{"latitude":"north","longitude":1}}}`))

	assert.Equal(t, 1, tb.HS.RoomCount())
	msgs := tb.HS.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, event.MsgNotice, msgs[0].Content.MsgType)
	assert.Equal(t, tb.Config.Bridge.UnsupportedNotice, msgs[0].Content.Body)
	row, err := tb.DB.Message.GetByRemoteID(ctx, "R1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, msgs[0].ID, row.MXID)
}

func TestInboundReactionReplacesPrevious(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	ctx := context.Background()
	_, roomID := tb.openPortal(t, tenant)
	target := tb.HS.lastMessage(roomID).ID

	require.NoError(t, tb.deliver(t, tenant, inboundReaction("R2", "R1", "👍")))
	require.NoError(t, tb.deliver(t, tenant, inboundReaction("R3", "R1", "❤️")))

	reactions := tb.HS.Reactions()
	require.Len(t, reactions, 2)
	assert.Equal(t, target, reactions[1].Target)
	assert.Equal(t, []id.EventID{reactions[0].ID}, tb.HS.Redactions())

	row, err := tb.DB.Reaction.GetByTarget(ctx, "R1", testGhost)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "❤️", row.Emoji)
	assert.Equal(t, reactions[1].ID, row.MXID)

	require.NoError(t, tb.deliver(t, tenant, inboundReaction("R4", "R1", "")))
	assert.Len(t, tb.HS.Redactions(), 2)
	row, err = tb.DB.Reaction.GetByTarget(ctx, "R1", testGhost)
	require.NoError(t, err)
	assert.Nil(t, row)

	require.NoError(t, tb.deliver(t, tenant, inboundReaction("R5", "missing", "👍")))
	assert.Len(t, tb.HS.Reactions(), 2)
}

func TestMatrixReactionAndRedaction(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	ctx := context.Background()
	_, roomID := tb.openPortal(t, tenant)
	target := tb.HS.lastMessage(roomID).ID

	tb.HandleMatrixEvent(ctx, matrixReaction("$reactA", roomID, testOwner, target, "👍"))
	tb.HandleMatrixEvent(ctx, matrixReaction("$reactB", roomID, testOwner, target, "🎉"))

	sends := tb.Gupshup.Sends()
	require.Len(t, sends, 2)
	for i, emoji := range []string{"👍", "🎉"} {
		msg := sends[i].Message()
		assert.Equal(t, "reaction", msg["type"])
		assert.Equal(t, "R1", msg["msgId"])
		assert.Equal(t, emoji, msg["emoji"])
	}
	assert.Equal(t, []id.EventID{"$reactA"}, tb.HS.Redactions())
	row, err := tb.DB.Reaction.GetByTarget(ctx, "R1", testOwner)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, id.EventID("$reactB"), row.MXID)

	tb.HandleMatrixEvent(ctx, &event.Event{
		ID:      "$redact1",
		RoomID:  roomID,
		Sender:  testOwner,
		Type:    event.EventRedaction,
		Redacts: "$reactB",
		Content: event.Content{Parsed: &event.RedactionEventContent{Redacts: "$reactB"}},
	})
	sends = tb.Gupshup.Sends()
	require.Len(t, sends, 3)
	assert.Equal(t, "", sends[2].Message()["emoji"])
	row, err = tb.DB.Reaction.GetByMXID(ctx, "$reactB")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestMatrixReactionUnknownTarget(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	_, roomID := tb.openPortal(t, tenant)

	tb.HandleMatrixEvent(context.Background(), matrixReaction("$reactA", roomID, testOwner, "$nothing", "👍"))
	assert.Empty(t, tb.Gupshup.Sends())
	notice := tb.HS.lastMessage(roomID)
	assert.Equal(t, noticeTargetNotFound, notice.Content.Body)
}

func TestReplyRoundTrip(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	ctx := context.Background()
	_, roomID := tb.openPortal(t, tenant)
	inboundEvent := tb.HS.lastMessage(roomID).ID

	// Matrix reply to a WhatsApp message carries its Gupshup ID as context.
	reply := &event.MessageEventContent{MsgType: event.MsgText, Body: "sure"}
	reply.RelatesTo = (&event.RelatesTo{}).SetReplyTo(inboundEvent)
	tb.HandleMatrixEvent(ctx, matrixMessage("$out1", roomID, testOwner, reply))
	sends := tb.Gupshup.Sends()
	require.Len(t, sends, 1)
	msgCtx, _ := sends[0].Message()["context"].(map[string]any)
	assert.Equal(t, "R1", msgCtx["msgId"])

	// WhatsApp reply to the bridged message points back at the Matrix event.
	require.NoError(t, tb.deliver(t, tenant, `{"app":"acme","type":"message","payload":{"id":"R2","type":"text",`+
		`"sender":{"phone":"15550001"},"payload":{"text":"thanks"},"context":{"id":"wamid.X","gsId":"G1"}}}`))
	last := tb.HS.lastMessage(roomID)
	require.NotNil(t, last.Content.RelatesTo)
	assert.Equal(t, id.EventID("$out1"), last.Content.RelatesTo.GetReplyTo())

	// Unknown reply targets are dropped, the message still goes through.
	require.NoError(t, tb.deliver(t, tenant, `{"app":"acme","type":"message","payload":{"id":"R3","type":"text",`+
		`"sender":{"phone":"15550001"},"payload":{"text":"?"},"context":{"gsId":"G404"}}}`))
	last = tb.HS.lastMessage(roomID)
	assert.Equal(t, "?", last.Content.Body)
	assert.Nil(t, last.Content.RelatesTo)
}

func TestInboundMediaWithCaption(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	_, roomID := tb.openPortal(t, tenant)

	body := fmt.Sprintf(`{"app":"acme","type":"message","payload":{"id":"R2","type":"image",`+
		`"sender":{"phone":"15550001"},"payload":{"url":%q,"contentType":"image/jpeg","caption":"look"}}}`,
		tb.Gupshup.Server.URL+"/media/x.jpg")
	require.NoError(t, tb.deliver(t, tenant, body))

	msgs := tb.HS.Messages()
	require.Len(t, msgs, 3)
	image, caption := msgs[1], msgs[2]
	assert.Equal(t, event.MsgImage, image.Content.MsgType)
	assert.NotEmpty(t, image.Content.URL)
	assert.Equal(t, "image/jpeg", image.Content.Info.MimeType)
	assert.Equal(t, "look", caption.Content.Body)

	row, err := tb.DB.Message.GetByRemoteID(context.Background(), "R2")
	require.NoError(t, err)
	assert.Equal(t, image.ID, row.MXID)
	assert.Equal(t, roomID, row.RoomID)
}

func TestInboundUnsupportedPostsPlaceholder(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	_, roomID := tb.openPortal(t, tenant)

	require.NoError(t, tb.deliver(t, tenant, `{"app":"acme","type":"message","payload":{"id":"R2","type":"order",`+
		`"sender":{"phone":"15550001"},"payload":{"catalog_id":"1"}}}`))
	last := tb.HS.lastMessage(roomID)
	assert.Equal(t, event.MsgNotice, last.Content.MsgType)
	assert.Equal(t, tb.Config.Bridge.UnsupportedNotice, last.Content.Body)
}

func TestMatrixMessageRelay(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	_, roomID := tb.openPortal(t, tenant)

	tb.HandleMatrixEvent(context.Background(), matrixMessage("$out1", roomID, "@bob:example.com", &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "hello",
	}))
	sends := tb.Gupshup.Sends()
	require.Len(t, sends, 1)
	assert.Equal(t, "*bob*: hello", sends[0].Message()["text"])
}

func TestMatrixMessageWithoutRelayIsRejected(t *testing.T) {
	tb := newTestBridge(t)
	tb.Config.Bridge.Relay.Enabled = false
	tenant := tb.registerAcme(t)
	_, roomID := tb.openPortal(t, tenant)

	tb.HandleMatrixEvent(context.Background(), matrixMessage("$out1", roomID, "@bob:example.com", &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "hello",
	}))
	assert.Empty(t, tb.Gupshup.Sends())
	assert.Equal(t, noticeNotAllowed, tb.HS.lastMessage(roomID).Content.Body)
}

func TestMatrixEchoesAreSkipped(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	ctx := context.Background()
	_, roomID := tb.openPortal(t, tenant)

	tb.HandleMatrixEvent(ctx, matrixMessage("$ghost", roomID, testGhost, &event.MessageEventContent{MsgType: event.MsgText, Body: "echo"}))
	tb.HandleMatrixEvent(ctx, matrixMessage("$bot", roomID, testBot, &event.MessageEventContent{MsgType: event.MsgText, Body: "echo"}))
	doublePuppeted := matrixMessage("$dp", roomID, testOwner, &event.MessageEventContent{MsgType: event.MsgText, Body: "echo"})
	doublePuppeted.Content.Raw = map[string]any{doublePuppetSourceKey: "mautrix-gupshup"}
	tb.HandleMatrixEvent(ctx, doublePuppeted)
	tb.HandleMatrixEvent(ctx, matrixMessage("$notice", roomID, testOwner, &event.MessageEventContent{MsgType: event.MsgNotice, Body: "bot output"}))
	tb.HandleMatrixEvent(ctx, matrixMessage("$elsewhere", "!unbridged:example.com", testOwner, &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"}))

	assert.Empty(t, tb.Gupshup.Sends())
}

func TestMatrixSendFailureNotice(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	_, roomID := tb.openPortal(t, tenant)
	tb.Gupshup.SetFail(true)

	tb.HandleMatrixEvent(context.Background(), matrixMessage("$out1", roomID, testOwner, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "hello",
	}))
	notice := tb.HS.lastMessage(roomID)
	assert.Equal(t, event.MsgNotice, notice.Content.MsgType)
	assert.Contains(t, notice.Content.Body, "Failed to send message to WhatsApp")
	assert.Contains(t, notice.Content.Body, "Invalid destination")
	row, err := tb.DB.Message.GetByMXID(context.Background(), "$out1", roomID)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestMatrixMediaAndLocation(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	ctx := context.Background()
	_, roomID := tb.openPortal(t, tenant)

	tb.HandleMatrixEvent(ctx, matrixMessage("$img", roomID, testOwner, &event.MessageEventContent{
		MsgType:  event.MsgImage,
		Body:     "a cat",
		FileName: "cat.jpg",
		URL:      "mxc://example.com/abc",
	}))
	tb.HandleMatrixEvent(ctx, matrixMessage("$loc", roomID, testOwner, &event.MessageEventContent{
		MsgType: event.MsgLocation,
		Body:    "Office",
		GeoURI:  "geo:4.71,-74.07",
	}))

	sends := tb.Gupshup.Sends()
	require.Len(t, sends, 2)
	image := sends[0].Message()
	assert.Equal(t, "image", image["type"])
	assert.Equal(t, "https://matrix.example.com/_matrix/media/v3/download/example.com/abc", image["originalUrl"])
	assert.Equal(t, "a cat", image["caption"])
	location := sends[1].Message()
	assert.Equal(t, "location", location["type"])
	assert.Equal(t, 4.71, location["latitude"])
}

func TestMatrixReadReceipt(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	_, roomID := tb.openPortal(t, tenant)
	inboundEvent := tb.HS.lastMessage(roomID).ID

	receipt := func(userID id.UserID, eventID id.EventID) *event.Event {
		return &event.Event{
			RoomID: roomID,
			Type:   event.EphemeralEventReceipt,
			Content: event.Content{Parsed: &event.ReceiptEventContent{
				eventID: {event.ReceiptTypeRead: {userID: {Timestamp: time.Now()}}},
			}},
		}
	}
	tb.HandleMatrixEvent(context.Background(), receipt("@stranger:example.com", inboundEvent))
	tb.HandleMatrixEvent(context.Background(), receipt(testOwner, "$unknown"))
	tb.HandleMatrixEvent(context.Background(), receipt(testOwner, inboundEvent))

	var reads []gupshupCall
	for _, call := range tb.Gupshup.Calls() {
		if call.Path != "/msg" {
			reads = append(reads, call)
		}
	}
	require.Len(t, reads, 1)
	assert.Equal(t, "/wa/app/app-1/msg/R1/read", reads[0].Path)
}

func TestLeaveClosesPortal(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	ctx := context.Background()
	portal, roomID := tb.openPortal(t, tenant)

	tb.HS.Leave(roomID, testOwner)
	tb.HandleMatrixEvent(ctx, &event.Event{
		ID:       "$leave",
		RoomID:   roomID,
		Sender:   testOwner,
		Type:     event.StateMember,
		StateKey: ptr(testOwner.String()),
		Content:  event.Content{Parsed: &event.MemberEventContent{Membership: event.MembershipLeave}},
	})

	assert.True(t, portal.IsClosed())
	row, err := tb.DB.Message.GetByRemoteID(ctx, "R1")
	require.NoError(t, err)
	assert.Nil(t, row)
	dbPortal, err := tb.DB.Portal.GetByChatID(ctx, portal.ChatID)
	require.NoError(t, err)
	assert.Empty(t, dbPortal.MXID)
	gone, err := tb.GetPortalByRoomID(ctx, roomID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	// The next message opens a fresh room.
	require.NoError(t, tb.deliver(t, tenant, inboundText("R2", testPhone, "back again")))
	assert.Equal(t, 2, tb.HS.RoomCount())
	reopened, err := tb.GetPortalByChatID(ctx, portal.ChatID, false)
	require.NoError(t, err)
	assert.NotEqual(t, roomID, reopened.RoomID())
	assert.NotSame(t, portal, reopened)
}

func TestClosedPortalIsRetried(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	ctx := context.Background()
	portal, _ := tb.openPortal(t, tenant)

	require.NoError(t, portal.Close(ctx))
	assert.ErrorIs(t, portal.Close(ctx), ErrPortalClosed)
	_, _, err := portal.CreateMatrixRoom(ctx, testOwner, testSender())
	assert.ErrorIs(t, err, ErrPortalClosed)

	require.NoError(t, tb.deliver(t, tenant, inboundText("R2", testPhone, "hi again")))
	assert.Equal(t, 2, tb.HS.RoomCount())
}

type hookedPortalStore struct {
	PortalStore
	beforeUpdate func(row *database.Portal)
}

func (hs *hookedPortalStore) Update(ctx context.Context, row *database.Portal) error {
	if hs.beforeUpdate != nil {
		hs.beforeUpdate(row)
	}
	return hs.PortalStore.Update(ctx, row)
}

func TestCloseRaceDoesNotRebindOldRoom(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	ctx := context.Background()
	portal, roomID := tb.openPortal(t, tenant)

	// A webhook for the same chat arrives while the closed row is being written.
	var concurrent *Portal
	tb.portalStore = &hookedPortalStore{PortalStore: tb.portalStore, beforeUpdate: func(row *database.Portal) {
		if row.MXID != "" || concurrent != nil {
			return
		}
		var err error
		concurrent, err = tb.GetPortalByChatID(ctx, row.ChatID, true)
		require.NoError(t, err)
	}}
	require.NoError(t, portal.Close(ctx))
	require.NotNil(t, concurrent)
	assert.Same(t, portal, concurrent)
	assert.True(t, concurrent.IsClosed())
	gone, err := tb.GetPortalByRoomID(ctx, roomID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	require.NoError(t, tb.deliver(t, tenant, inboundText("R2", testPhone, "after close")))
	assert.Equal(t, 2, tb.HS.RoomCount())
	reopened, err := tb.GetPortalByChatID(ctx, portal.ChatID, false)
	require.NoError(t, err)
	require.NotEqual(t, roomID, reopened.RoomID())
	assert.Equal(t, "hi", tb.HS.lastMessage(roomID).Content.Body)
	assert.Equal(t, "after close", tb.HS.lastMessage(reopened.RoomID()).Content.Body)
}

func TestRoomCreationFailureReverts(t *testing.T) {
	tb := newTestBridge(t)
	tenant := tb.registerAcme(t)
	ctx := context.Background()
	tb.HS.failInvite = errors.New("M_FORBIDDEN")

	err := tb.deliver(t, tenant, inboundText("R1", testPhone, "hi"))
	require.Error(t, err)
	portal, err := tb.GetPortalByChatID(ctx, MakeChatID(testTenant, testPhone), false)
	require.NoError(t, err)
	require.NotNil(t, portal)
	assert.Empty(t, portal.RoomID())
	assert.Empty(t, portal.GetRelayOwner())

	tb.HS.mu.Lock()
	tb.HS.failInvite = nil
	tb.HS.mu.Unlock()
	require.NoError(t, tb.deliver(t, tenant, inboundText("R2", testPhone, "hi")))
	assert.NotEmpty(t, portal.RoomID())
	dbPortal, err := tb.DB.Portal.GetByChatID(ctx, portal.ChatID)
	require.NoError(t, err)
	assert.Equal(t, portal.RoomID(), dbPortal.MXID)
}
