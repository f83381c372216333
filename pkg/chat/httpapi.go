// Copyright 2024-2026 Aiku AI

package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const sdkVersion = "go-1.0.0"

// apiClient is the request/response boundary to the backend: one method per
// endpoint, context on every call, wrapped errors. Everything stateful
// (cursors, rooms) lives in the Client; this type only carries auth headers.
type apiClient struct {
	baseURL string
	appID   string
	httpc   *http.Client
	log     zerolog.Logger

	token     string
	userEmail string
}

func newAPIClient(cfg *Config) *apiClient {
	return &apiClient{
		baseURL: cfg.BaseURL,
		appID:   cfg.AppID,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     cfg.Log.With().Str("component", "api").Logger(),
	}
}

func (a *apiClient) setAuth(token, userEmail string) {
	a.token = token
	a.userEmail = userEmail
}

func (a *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	a.applyHeaders(req)
	resp, err := a.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

func (a *apiClient) applyHeaders(req *http.Request) {
	req.Header.Set("QISCUS-SDK-APP-ID", a.appID)
	req.Header.Set("QISCUS-SDK-VERSION", sdkVersion)
	if a.token != "" {
		req.Header.Set("QISCUS-SDK-TOKEN", a.token)
	}
	if a.userEmail != "" {
		req.Header.Set("QISCUS-SDK-USER-EMAIL", a.userEmail)
	}
}

type wireUser struct {
	ID              int64          `json:"id"`
	Email           string         `json:"email"`
	Username        string         `json:"username"`
	AvatarURL       string         `json:"avatar_url"`
	Token           string         `json:"token"`
	Extras          map[string]any `json:"extras"`
	LastCommentID   int64          `json:"last_comment_id"`
	LastSyncEventID int64          `json:"last_sync_event_id"`
}

func (w *wireUser) toAccount() *Account {
	return &Account{
		ID:              w.ID,
		Email:           w.Email,
		Username:        w.Username,
		AvatarURL:       w.AvatarURL,
		Token:           w.Token,
		Extras:          w.Extras,
		LastMessageID:   w.LastCommentID,
		LastSyncEventID: w.LastSyncEventID,
	}
}

type userResponse struct {
	Results struct {
		User wireUser `json:"user"`
	} `json:"results"`
}

// LoginWithToken exchanges a backend-issued identity token for an account.
// The token's claims are peeked (unverified; verification is the backend's
// job) so an expired token fails fast without a round trip.
func (a *apiClient) LoginWithToken(ctx context.Context, identityToken string) (*Account, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(identityToken, claims); err != nil {
		return nil, fmt.Errorf("malformed identity token: %w", err)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(time.Now()) {
		return nil, fmt.Errorf("identity token expired at %s", exp.Time.Format(time.RFC3339))
	}
	var resp userResponse
	err := a.do(ctx, http.MethodPost, "/api/v2/sdk/auth/verify_identity_token", nil,
		map[string]string{"identity_token": identityToken}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Results.User.toAccount(), nil
}

// LoginWithUserKey authenticates with the app-managed userkey flow.
func (a *apiClient) LoginWithUserKey(ctx context.Context, email, userKey, username, avatarURL string) (*Account, error) {
	body := map[string]string{
		"email":    email,
		"password": userKey,
	}
	if username != "" {
		body["username"] = username
	}
	if avatarURL != "" {
		body["avatar_url"] = avatarURL
	}
	var resp userResponse
	err := a.do(ctx, http.MethodPost, "/api/v2/sdk/login_or_register", nil, body, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Results.User.toAccount(), nil
}

type syncResponse struct {
	Results struct {
		Comments []wireComment `json:"comments"`
		Meta     struct {
			LastReceivedCommentID int64 `json:"last_received_comment_id"`
			NeedClear             bool  `json:"need_clear"`
		} `json:"meta"`
	} `json:"results"`
}

// Sync fetches messages newer than lastMessageID. The returned cursor is the
// response's own watermark, which may be ahead of the newest comment when
// the backend has compacted history.
func (a *apiClient) Sync(ctx context.Context, lastMessageID int64, limit int) ([]*Message, int64, error) {
	query := url.Values{
		"last_received_comment_id": {strconv.FormatInt(lastMessageID, 10)},
		"limit":                    {strconv.Itoa(limit)},
	}
	var resp syncResponse
	if err := a.do(ctx, http.MethodGet, "/api/v2/sdk/sync", query, nil, &resp); err != nil {
		return nil, 0, err
	}
	msgs := make([]*Message, 0, len(resp.Results.Comments))
	for i := range resp.Results.Comments {
		msgs = append(msgs, resp.Results.Comments[i].toMessage())
	}
	return msgs, resp.Results.Meta.LastReceivedCommentID, nil
}

// wireSyncEvent is one record from the event-sync endpoint.
type wireSyncEvent struct {
	ID          int64  `json:"id"`
	ActionTopic string `json:"action_topic"`
	Payload     struct {
		Actor struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"actor"`
		Data json.RawMessage `json:"data"`
	} `json:"payload"`
}

type syncEventResponse struct {
	Events []wireSyncEvent `json:"events"`
}

// SyncEvent fetches discrete events (receipts, deletions, clears) newer than
// lastEventID.
func (a *apiClient) SyncEvent(ctx context.Context, lastEventID int64) ([]wireSyncEvent, error) {
	query := url.Values{
		"start_event_id": {strconv.FormatInt(lastEventID, 10)},
	}
	var resp syncEventResponse
	if err := a.do(ctx, http.MethodGet, "/api/v2/sdk/sync_event", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

type commentResponse struct {
	Results struct {
		Comment wireComment `json:"comment"`
	} `json:"results"`
}

// PostComment posts a message and returns the server's version of it.
func (a *apiClient) PostComment(ctx context.Context, msg *Message) (*Message, error) {
	body := map[string]any{
		"topic_id":       strconv.FormatInt(msg.RoomID, 10),
		"comment":        msg.Text,
		"type":           msg.Type,
		"unique_temp_id": msg.UniqueID,
	}
	if len(msg.Payload) > 0 {
		body["payload"] = msg.Payload
	}
	if len(msg.Extras) > 0 {
		body["extras"] = msg.Extras
	}
	var resp commentResponse
	if err := a.do(ctx, http.MethodPost, "/api/v2/sdk/post_comment", nil, body, &resp); err != nil {
		return nil, err
	}
	return resp.Results.Comment.toMessage(), nil
}

// UpdateStatus publishes the local user's receipt watermarks for a room.
// Zero means "leave that watermark alone".
func (a *apiClient) UpdateStatus(ctx context.Context, roomID, lastReadID, lastReceivedID int64) error {
	body := map[string]any{"room_id": strconv.FormatInt(roomID, 10)}
	if lastReadID > 0 {
		body["last_comment_read_id"] = lastReadID
	}
	if lastReceivedID > 0 {
		body["last_comment_received_id"] = lastReceivedID
	}
	return a.do(ctx, http.MethodPost, "/api/v2/sdk/update_comment_status", nil, body, nil)
}

// LoadComments pages a room's history backwards from lastMessageID (0 means
// newest).
func (a *apiClient) LoadComments(ctx context.Context, roomID, lastMessageID int64, limit int) ([]*Message, error) {
	query := url.Values{
		"topic_id": {strconv.FormatInt(roomID, 10)},
		"limit":    {strconv.Itoa(limit)},
	}
	if lastMessageID > 0 {
		query.Set("last_comment_id", strconv.FormatInt(lastMessageID, 10))
	}
	var resp struct {
		Results struct {
			Comments []wireComment `json:"comments"`
		} `json:"results"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/v2/sdk/load_comments", query, nil, &resp); err != nil {
		return nil, err
	}
	msgs := make([]*Message, 0, len(resp.Results.Comments))
	for i := range resp.Results.Comments {
		msgs = append(msgs, resp.Results.Comments[i].toMessage())
	}
	return msgs, nil
}

type roomResponse struct {
	Results struct {
		Room struct {
			Room
			RawParticipants []json.RawMessage `json:"participants"`
		} `json:"room"`
		Comments []wireComment `json:"comments"`
	} `json:"results"`
}

func (a *apiClient) decodeRoom(resp *roomResponse) *Room {
	room := resp.Results.Room.Room
	room.Participants = nil
	for _, raw := range resp.Results.Room.RawParticipants {
		var p Participant
		if err := json.Unmarshal(raw, &p); err != nil {
			a.log.Warn().Err(err).Int64("room_id", room.ID).Msg("Skipping undecodable participant")
			continue
		}
		room.Participants = append(room.Participants, &p)
	}
	for i := range resp.Results.Comments {
		room.UpsertMessage(resp.Results.Comments[i].toMessage())
	}
	return &room
}

// GetRoomByID fetches a room, its participants, and its recent messages.
func (a *apiClient) GetRoomByID(ctx context.Context, roomID int64) (*Room, error) {
	query := url.Values{"id": {strconv.FormatInt(roomID, 10)}}
	var resp roomResponse
	if err := a.do(ctx, http.MethodGet, "/api/v2/sdk/get_room_by_id", query, nil, &resp); err != nil {
		return nil, err
	}
	return a.decodeRoom(&resp), nil
}

// GetOrCreateRoomWithTarget returns the 1-on-1 room with the target user,
// creating it if needed.
func (a *apiClient) GetOrCreateRoomWithTarget(ctx context.Context, targetEmail string) (*Room, error) {
	body := map[string]any{"emails": []string{targetEmail}}
	var resp roomResponse
	if err := a.do(ctx, http.MethodPost, "/api/v2/sdk/get_or_create_room_with_target", nil, body, &resp); err != nil {
		return nil, err
	}
	return a.decodeRoom(&resp), nil
}

// CreateRoom creates a group room.
func (a *apiClient) CreateRoom(ctx context.Context, name string, participantEmails []string, avatarURL string) (*Room, error) {
	body := map[string]any{
		"name":         name,
		"participants": participantEmails,
	}
	if avatarURL != "" {
		body["avatar_url"] = avatarURL
	}
	var resp roomResponse
	if err := a.do(ctx, http.MethodPost, "/api/v2/sdk/create_room", nil, body, &resp); err != nil {
		return nil, err
	}
	return a.decodeRoom(&resp), nil
}

// UpdateRoom changes a room's name, avatar, or options.
func (a *apiClient) UpdateRoom(ctx context.Context, roomID int64, name, avatarURL string, options map[string]any) (*Room, error) {
	body := map[string]any{"id": strconv.FormatInt(roomID, 10)}
	if name != "" {
		body["room_name"] = name
	}
	if avatarURL != "" {
		body["avatar_url"] = avatarURL
	}
	if options != nil {
		body["options"] = options
	}
	var resp roomResponse
	if err := a.do(ctx, http.MethodPost, "/api/v2/sdk/update_room", nil, body, &resp); err != nil {
		return nil, err
	}
	return a.decodeRoom(&resp), nil
}

// GetParticipants fetches a room's member list with receipt watermarks.
func (a *apiClient) GetParticipants(ctx context.Context, roomUniqueID string) ([]*Participant, error) {
	query := url.Values{"room_unique_id": {roomUniqueID}}
	var resp struct {
		Results struct {
			Participants []*Participant `json:"participants"`
		} `json:"results"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/v2/sdk/room_participants", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Results.Participants, nil
}

// UploadFile uploads a file and returns its public URL.
func (a *apiClient) UploadFile(ctx context.Context, filename string, content io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("failed to buffer upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish upload form: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/v2/sdk/upload", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	a.applyHeaders(req)
	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("upload: status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	var out struct {
		Results struct {
			File struct {
				URL string `json:"url"`
			} `json:"file"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("upload: failed to decode response: %w", err)
	}
	return out.Results.File.URL, nil
}

// BrokerLookup asks the load-balancer endpoint for a broker websocket URL.
func (a *apiClient) BrokerLookup(ctx context.Context, lbURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lbURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build broker lookup request: %w", err)
	}
	a.applyHeaders(req)
	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("broker lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("broker lookup: status %d", resp.StatusCode)
	}
	var out struct {
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("broker lookup: failed to decode response: %w", err)
	}
	if out.Data.URL == "" {
		return "", fmt.Errorf("broker lookup: empty url")
	}
	return out.Data.URL, nil
}
