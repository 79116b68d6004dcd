package huddle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrSFU wraps every failure returned by the SFU provider so callers can map it onto an error frame without
// inspecting HTTP details.
var ErrSFU = errors.New("sfu provider error")

// SessionDescription is an SDP offer or answer as carried in Calls API payloads.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// RemoteTrack identifies a track published by another session, used when subscribing.
type RemoteTrack struct {
	Location  string `json:"location"`
	SessionID string `json:"sessionId"`
	TrackName string `json:"trackName"`
}

// TrackResult describes one track the provider accepted or attached.
type TrackResult struct {
	MID       string `json:"mid"`
	TrackName string `json:"trackName"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// TracksResponse is the provider's reply to a tracks/new call. For publishes SessionDescription holds the answer;
// for subscribes it holds an offer and RequiresImmediateRenegotiation tells the client an answer is expected back.
type TracksResponse struct {
	RequiresImmediateRenegotiation bool                `json:"requiresImmediateRenegotiation"`
	Tracks                         []TrackResult       `json:"tracks"`
	SessionDescription             *SessionDescription `json:"sessionDescription"`
}

// CallsClient talks to a Cloudflare Calls compatible SFU over HTTP. All requests carry the app secret as a bearer
// token and share one bounded-timeout client.
type CallsClient struct {
	http      *http.Client
	baseURL   string
	appID     string
	appSecret string
}

// NewCallsClient creates a client for the given app. baseURL is the API root without the app path, e.g.
// "https://rtc.live.cloudflare.com/v1".
func NewCallsClient(baseURL, appID, appSecret string, timeout time.Duration) *CallsClient {
	return &CallsClient{
		http:      &http.Client{Timeout: timeout},
		baseURL:   baseURL,
		appID:     appID,
		appSecret: appSecret,
	}
}

// NewSession creates an SFU session and returns its id.
func (c *CallsClient) NewSession(ctx context.Context) (string, error) {
	var resp struct {
		SessionID        string `json:"sessionId"`
		ErrorCode        string `json:"errorCode"`
		ErrorDescription string `json:"errorDescription"`
	}
	if err := c.do(ctx, http.MethodPost, "/sessions/new", nil, &resp); err != nil {
		return "", err
	}
	if resp.ErrorCode != "" {
		return "", fmt.Errorf("%w: new session: %s %s", ErrSFU, resp.ErrorCode, resp.ErrorDescription)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("%w: new session: empty session id", ErrSFU)
	}
	return resp.SessionID, nil
}

// PublishTracks offers local tracks into the session. The provider answers the SDP and names the accepted tracks.
func (c *CallsClient) PublishTracks(ctx context.Context, sessionID, sdpOffer string) (*TracksResponse, error) {
	body := struct {
		SessionDescription SessionDescription `json:"sessionDescription"`
		AutoDiscover       bool               `json:"autoDiscover"`
	}{
		SessionDescription: SessionDescription{Type: "offer", SDP: sdpOffer},
		AutoDiscover:       true,
	}

	var resp tracksEnvelope
	if err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/tracks/new", body, &resp); err != nil {
		return nil, err
	}
	return resp.result("publish tracks")
}

// SubscribeTracks attaches remote tracks to the session. The provider responds with an SDP offer that the
// subscriber must answer via Renegotiate.
func (c *CallsClient) SubscribeTracks(ctx context.Context, sessionID string, tracks []RemoteTrack) (*TracksResponse, error) {
	body := struct {
		Tracks []RemoteTrack `json:"tracks"`
	}{Tracks: tracks}

	var resp tracksEnvelope
	if err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/tracks/new", body, &resp); err != nil {
		return nil, err
	}
	return resp.result("subscribe tracks")
}

// Renegotiate completes a provider-initiated renegotiation by sending the client's SDP answer.
func (c *CallsClient) Renegotiate(ctx context.Context, sessionID, sdpAnswer string) error {
	body := struct {
		SessionDescription SessionDescription `json:"sessionDescription"`
	}{SessionDescription: SessionDescription{Type: "answer", SDP: sdpAnswer}}

	var resp struct {
		ErrorCode        string `json:"errorCode"`
		ErrorDescription string `json:"errorDescription"`
	}
	if err := c.do(ctx, http.MethodPut, "/sessions/"+sessionID+"/renegotiate", body, &resp); err != nil {
		return err
	}
	if resp.ErrorCode != "" {
		return fmt.Errorf("%w: renegotiate: %s %s", ErrSFU, resp.ErrorCode, resp.ErrorDescription)
	}
	return nil
}

// tracksEnvelope is the raw provider reply for both publish and subscribe calls.
type tracksEnvelope struct {
	TracksResponse
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
}

func (e *tracksEnvelope) result(op string) (*TracksResponse, error) {
	if e.ErrorCode != "" {
		return nil, fmt.Errorf("%w: %s: %s %s", ErrSFU, op, e.ErrorCode, e.ErrorDescription)
	}
	return &e.TracksResponse, nil
}

func (c *CallsClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	url := c.baseURL + "/apps/" + c.appID + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.appSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrSFU, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrSFU, err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %s %s: status %d", ErrSFU, method, path, resp.StatusCode)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: unmarshal response: %v", ErrSFU, err)
	}
	return nil
}
