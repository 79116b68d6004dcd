package gateway

import (
	"context"

	"github.com/huddlechat/huddle-server/internal/huddle"
	"github.com/huddlechat/huddle-server/internal/wire"
)

// handleHuddleJoin adds the client to the room's huddle and broadcasts the new roster. Joining while already in
// another huddle leaves that huddle first. When the roster reaches the upgrade threshold the room flips to SFU mode
// exactly once; late joiners of an already upgraded huddle are told directly.
func (h *Hub) handleHuddleJoin(c *Client, roomID int64) {
	if !c.requireSubscribed(roomID) {
		return
	}

	ctx, cancel := contextWithTimeout()
	defer cancel()

	snap, ok := c.User()
	if !ok {
		return
	}
	if current := c.ActiveHuddle(); current != 0 && current != roomID {
		h.leaveHuddle(ctx, c, snap, current)
	}

	size, err := h.huddles.Join(ctx, roomID, snap)
	if err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to join huddle")
		c.sendError(wire.CodeInternal, "failed to join huddle")
		return
	}
	c.setActiveHuddle(roomID)
	h.broadcastHuddleRoster(ctx, roomID)

	active, err := h.huddles.SFUActive(ctx, roomID)
	if err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to check sfu state")
		return
	}
	if active {
		c.sendJSON(wire.SFUUpgradeFrame{Type: wire.FrameSFUUpgrade, RoomID: roomID})
		return
	}

	if h.sfu != nil && size >= h.cfg.SFUUpgradeThreshold {
		first, err := h.huddles.ActivateSFU(ctx, roomID)
		if err != nil {
			h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to activate sfu")
			return
		}
		if first {
			h.publish(ctx, roomGroup(roomID), wire.SFUUpgradeFrame{Type: wire.FrameSFUUpgrade, RoomID: roomID})
		}
	}
}

// handleHuddleLeave removes the client from its active huddle.
func (h *Hub) handleHuddleLeave(c *Client) {
	roomID := c.ActiveHuddle()
	if roomID == 0 {
		c.sendError(wire.CodeNotInHuddle, "not in a huddle")
		return
	}

	ctx, cancel := contextWithTimeout()
	defer cancel()

	snap, ok := c.User()
	if !ok {
		return
	}
	h.leaveHuddle(ctx, c, snap, roomID)
}

// leaveHuddle removes the user from a huddle roster, clears the connection's active huddle, and broadcasts the
// shrunken roster when the user was actually in it.
func (h *Hub) leaveHuddle(ctx context.Context, c *Client, snap wire.UserSnapshot, roomID int64) {
	existed, _, err := h.huddles.Leave(ctx, roomID, snap.ID)
	if err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to leave huddle")
		return
	}
	c.setActiveHuddle(0)
	if existed {
		h.broadcastHuddleRoster(ctx, roomID)
	}
}

// broadcastHuddleRoster publishes the room's full huddle roster to its subscribers.
func (h *Hub) broadcastHuddleRoster(ctx context.Context, roomID int64) {
	roster, err := h.huddles.Roster(ctx, roomID)
	if err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to load huddle roster")
		return
	}
	h.publish(ctx, roomGroup(roomID), wire.HuddleRosterFrame{
		Type:         wire.FrameChatHuddleRoster,
		RoomID:       roomID,
		Participants: roster,
	})
}

// handleHuddleSignal relays a WebRTC signalling payload to one huddle participant. Senders with no active huddle,
// missing targets, and targets that are not in the huddle are all dropped silently; signalling is racy by nature and
// the sender recovers through roster updates.
func (h *Hub) handleHuddleSignal(c *Client, p wire.SignalPayload) {
	roomID := c.ActiveHuddle()
	if roomID == 0 || p.TargetID == nil {
		return
	}

	ctx, cancel := contextWithTimeout()
	defer cancel()

	inHuddle, err := h.huddles.Contains(ctx, roomID, *p.TargetID)
	if err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to check signal target")
		return
	}
	if !inHuddle {
		return
	}

	snap, ok := c.User()
	if !ok {
		return
	}
	h.publish(ctx, userGroup(*p.TargetID), wire.SignalFrame{
		Type:    wire.FrameHuddleSignal,
		RoomID:  roomID,
		From:    snap,
		Payload: p.Payload,
	})
}

// requireSFU gates the huddle.sfu_* handlers on an active huddle and a configured provider.
func (h *Hub) requireSFU(c *Client) (int64, bool) {
	roomID := c.ActiveHuddle()
	if roomID == 0 {
		c.sendError(wire.CodeNotInHuddle, "join a huddle first")
		return 0, false
	}
	if h.sfu == nil {
		c.sendError(wire.CodeSFUSessionFailed, ErrSFUNotConfigured.Error())
		return 0, false
	}
	return roomID, true
}

// ensureSFUSession returns the user's SFU session for the room, creating one with the provider on first use.
func (h *Hub) ensureSFUSession(ctx context.Context, c *Client, roomID, userID int64) (string, bool) {
	sessionID, found, err := h.huddles.SFUSession(ctx, roomID, userID)
	if err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to read sfu session")
		c.sendError(wire.CodeInternal, "temporary failure, try again")
		return "", false
	}
	if found {
		return sessionID, true
	}

	sessionID, err = h.sfu.NewSession(ctx)
	if err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Provider session create failed")
		c.sendError(wire.CodeSFUSessionFailed, "failed to create sfu session")
		return "", false
	}
	if err := h.huddles.SetSFUSession(ctx, roomID, userID, sessionID); err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to record sfu session")
	}
	return sessionID, true
}

// handleSFUPublish offers the client's local tracks to the provider and answers with the provider's SDP. Accepted
// tracks are recorded and announced to the room so subscribers can pull them.
func (h *Hub) handleSFUPublish(c *Client, p wire.SFUPublishPayload) {
	roomID, ok := h.requireSFU(c)
	if !ok {
		return
	}
	if p.TrackName == "" || p.SDPOffer == "" {
		c.sendError(wire.CodeInvalidSFUPublish, "track_name and sdp_offer are required")
		return
	}

	ctx, cancel := contextWithTimeout()
	defer cancel()

	snap, _ := c.User()
	sessionID, ok := h.ensureSFUSession(ctx, c, roomID, snap.ID)
	if !ok {
		return
	}

	resp, err := h.sfu.PublishTracks(ctx, sessionID, p.SDPOffer)
	if err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Provider publish failed")
		c.sendError(wire.CodeSFUPublishFailed, "sfu rejected the publish")
		return
	}

	accepted := make([]wire.SFUTrack, 0, len(resp.Tracks))
	for i, t := range resp.Tracks {
		if t.ErrorCode != "" {
			h.log.Warn().Str("error_code", t.ErrorCode).Str("track", t.TrackName).Msg("Provider rejected track")
			continue
		}
		name := t.TrackName
		if name == "" {
			name = p.TrackName
		}
		track := wire.SFUTrack{UserID: snap.ID, TrackName: name, TrackID: t.MID, SessionID: sessionID}
		if err := h.huddles.AddSFUTrack(ctx, roomID, track, i); err != nil {
			h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to record sfu track")
		}
		accepted = append(accepted, track)
		// The publisher already has its own media; only the rest of the room needs the announcement.
		h.publishExcept(ctx, roomGroup(roomID), wire.SFUTrackAddedFrame{
			Type:     wire.FrameSFUTrackAdded,
			RoomID:   roomID,
			UserName: snap.Name,
			Track:    track,
		}, snap.ID)
	}

	var answer string
	if resp.SessionDescription != nil {
		answer = resp.SessionDescription.SDP
	}
	c.sendJSON(wire.SFUPublishAnswerFrame{
		Type:      wire.FrameSFUPublishAnswer,
		RoomID:    roomID,
		SessionID: sessionID,
		TrackName: p.TrackName,
		SDPAnswer: answer,
		Tracks:    accepted,
	})
}

// handleSFUSubscribe attaches every other participant's tracks to the client's session. The provider responds with
// an SDP offer the client must answer via huddle.sfu_renegotiate.
func (h *Hub) handleSFUSubscribe(c *Client) {
	roomID, ok := h.requireSFU(c)
	if !ok {
		return
	}

	ctx, cancel := contextWithTimeout()
	defer cancel()

	snap, _ := c.User()
	tracks, err := h.huddles.SFUTracks(ctx, roomID)
	if err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to load sfu tracks")
		c.sendError(wire.CodeInternal, "temporary failure, try again")
		return
	}

	remote := make([]huddle.RemoteTrack, 0, len(tracks))
	attached := make([]wire.SFUTrack, 0, len(tracks))
	for _, t := range tracks {
		if t.UserID == snap.ID {
			continue
		}
		remote = append(remote, huddle.RemoteTrack{Location: "remote", SessionID: t.SessionID, TrackName: t.TrackName})
		attached = append(attached, t)
	}
	if len(remote) == 0 {
		c.sendError(wire.CodeSFUSubscribeFailed, "no remote tracks to subscribe")
		return
	}

	sessionID, ok := h.ensureSFUSession(ctx, c, roomID, snap.ID)
	if !ok {
		return
	}

	resp, err := h.sfu.SubscribeTracks(ctx, sessionID, remote)
	if err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Provider subscribe failed")
		c.sendError(wire.CodeSFUSubscribeFailed, "sfu rejected the subscribe")
		return
	}
	if resp.SessionDescription == nil {
		c.sendError(wire.CodeSFUSubscribeFailed, "provider returned no offer")
		return
	}

	c.sendJSON(wire.SFUSubscribeOfferFrame{
		Type:                  wire.FrameSFUSubscribeOffer,
		RoomID:                roomID,
		SessionID:             sessionID,
		SDPOffer:              resp.SessionDescription.SDP,
		Tracks:                attached,
		RequiresRenegotiation: resp.RequiresImmediateRenegotiation,
	})
}

// handleSFURenegotiate completes a provider-initiated renegotiation with the client's SDP answer.
func (h *Hub) handleSFURenegotiate(c *Client, p wire.SFURenegotiatePayload) {
	roomID, ok := h.requireSFU(c)
	if !ok {
		return
	}
	if p.SDPAnswer == "" {
		c.sendError(wire.CodeInvalidSFURenego, "sdp_answer is required")
		return
	}

	ctx, cancel := contextWithTimeout()
	defer cancel()

	snap, _ := c.User()
	sessionID, found, err := h.huddles.SFUSession(ctx, roomID, snap.ID)
	if err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Failed to read sfu session")
		c.sendError(wire.CodeInternal, "temporary failure, try again")
		return
	}
	if !found {
		c.sendError(wire.CodeNoSFUSession, "no sfu session for this huddle")
		return
	}

	if err := h.sfu.Renegotiate(ctx, sessionID, p.SDPAnswer); err != nil {
		h.log.Warn().Err(err).Int64("room_id", roomID).Msg("Provider renegotiate failed")
		c.sendError(wire.CodeSFURenegotiateFailed, "sfu rejected the renegotiation")
		return
	}

	c.sendJSON(wire.SFURenegotiateDoneFrame{Type: wire.FrameSFURenegotiateDone, RoomID: roomID})
}
