package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"palaver/internal/auth"
	"palaver/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestIntegration(t *testing.T) {
	dir := t.TempDir()
	apiAddr := "127.0.0.1:18087"
	baseURL := "http://" + apiAddr

	t.Setenv("PALAVER_DB", filepath.Join(dir, "palaver.db"))
	t.Setenv("UPLOADS_PATH", filepath.Join(dir, "uploads"))
	t.Setenv("API_ADDR", apiAddr)
	t.Setenv("BASE_URL", baseURL)
	t.Setenv("AUTH_SECRET", "very-secure-test-secret")
	t.Setenv("REFRESH_INTERVAL", "100ms")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErr := make(chan error, 1)
	go func() { serverErr <- run(ctx, "") }()

	waitForServer(t, baseURL+"/metrics", 50)

	client := &http.Client{}
	origin := baseURL

	postJSON := func(path string, body interface{}, token string) *http.Response {
		t.Helper()
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, baseURL+path, bytes.NewReader(data))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", origin)
		if token != "" {
			req.Header.Set("token", token)
		}
		resp, err := client.Do(req)
		require.NoError(t, err)
		return resp
	}

	getJSON := func(path, token string, out interface{}) {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, baseURL+path, nil)
		require.NoError(t, err)
		req.Header.Set("token", token)
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	// Step 1: Register two users.
	for _, username := range []string{"alice", "bob"} {
		resp := postJSON("/api/register", map[string]string{
			"username": username,
			"password": "securepassword",
		}, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}

	// Step 2: Log in.
	login := func(username string) string {
		t.Helper()
		resp := postJSON("/api/login", map[string]string{
			"username": username,
			"password": "securepassword",
		}, "")
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var lr auth.LoginResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&lr))
		require.NotEmpty(t, lr.Token)
		return lr.Token
	}
	aliceToken := login("alice")
	bobToken := login("bob")

	// Step 3: Cross-origin writes are refused.
	{
		data, _ := json.Marshal(map[string]string{"content": "smuggled"})
		req, err := http.NewRequest(http.MethodPost, baseURL+"/api/messages", bytes.NewReader(data))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", "http://evil.example.net")
		req.Header.Set("token", aliceToken)
		resp, err := client.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	// Step 4: Alice opens a websocket and receives the (empty) history.
	dialer := websocket.Dialer{}
	header := http.Header{}
	header.Set("token", aliceToken)
	conn, _, err := dialer.Dial("ws://"+apiAddr+"/api/chat", header)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	readFrame := func() models.ServerMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var frame models.ServerMessage
		require.NoError(t, conn.ReadJSON(&frame))
		return frame
	}

	frame := readFrame()
	require.Equal(t, models.ServerMessageTypeMessages, frame.Type)
	require.Empty(t, frame.Messages)

	// Step 5: Bob posts over HTTP; Alice sees it arrive over the socket.
	{
		resp := postJSON("/api/messages", map[string]interface{}{"content": "hello from bob"}, bobToken)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}
	for {
		frame = readFrame()
		if frame.Type != models.ServerMessageTypeMessages || len(frame.Messages) == 0 {
			continue
		}
		require.Equal(t, "hello from bob", frame.Messages[0].Content)
		require.NotNil(t, frame.Messages[0].Sender)
		require.Equal(t, "bob", frame.Messages[0].Sender.Username)
		break
	}

	// Step 6: Alice sends through the socket and gets it back via refresh.
	require.NoError(t, conn.WriteJSON(models.ClientMessage{
		Type:    models.ClientMessageTypeSend,
		Content: "hi bob",
	}))
	for {
		frame = readFrame()
		if frame.Type != models.ServerMessageTypeMessages || len(frame.Messages) < 2 {
			continue
		}
		require.Equal(t, "hi bob", frame.Messages[1].Content)
		break
	}

	// Step 7: An oversized message is rejected without touching the room.
	{
		big := bytes.Repeat([]byte("a"), models.MaxMessageLength+1)
		resp := postJSON("/api/messages", map[string]interface{}{"content": string(big)}, bobToken)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}

	// Step 8: Friend request and accept.
	{
		resp := postJSON("/api/friends", map[string]string{"username": "bob"}, aliceToken)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var friendship models.Friendship
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&friendship))

		acceptResp := postJSON("/api/friends/accept", map[string]string{"id": friendship.ID}, bobToken)
		_ = acceptResp.Body.Close()
		require.Equal(t, http.StatusOK, acceptResp.StatusCode)
	}

	// Step 9: Avatar upload round trip. Minimal valid PNG.
	{
		pngBase64 := "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="
		png, err := base64.StdEncoding.DecodeString(pngBase64)
		require.NoError(t, err)

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", "avatar.png")
		require.NoError(t, err)
		_, err = fw.Write(png)
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req, err := http.NewRequest(http.MethodPost, baseURL+"/api/upload/avatar", &buf)
		require.NoError(t, err)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Origin", origin)
		req.Header.Set("token", aliceToken)
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var uploaded struct {
			URL string `json:"url"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploaded))
		require.Contains(t, uploaded.URL, "/api/images/")

		// The stored object is publicly fetchable.
		imgResp, err := client.Get(uploaded.URL)
		require.NoError(t, err)
		defer func() { _ = imgResp.Body.Close() }()
		require.Equal(t, http.StatusOK, imgResp.StatusCode)
		require.Equal(t, "image/png", imgResp.Header.Get("Content-Type"))

		// And the profile now points at it.
		var profile models.Profile
		getJSON("/api/profile", aliceToken, &profile)
		require.Equal(t, uploaded.URL, profile.AvatarURL)
	}

	// Step 10: While Alice's socket is open she shows as online.
	{
		var users []models.Profile
		getJSON("/api/users", bobToken, &users)
		online := map[string]bool{}
		for _, u := range users {
			online[u.Username] = u.Presence.Online
		}
		require.True(t, online["alice"])
		require.False(t, online["bob"])
	}

	// Step 11: Logoff revokes the session.
	{
		req, err := http.NewRequest(http.MethodPost, baseURL+"/api/logoff", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		req.Header.Set("token", bobToken)
		resp, err := client.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		after, err := http.NewRequest(http.MethodGet, baseURL+"/api/profile", nil)
		require.NoError(t, err)
		after.Header.Set("token", bobToken)
		afterResp, err := client.Do(after)
		require.NoError(t, err)
		_ = afterResp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, afterResp.StatusCode)
	}

	cancel()
	select {
	case err := <-serverErr:
		if err != nil && err != context.Canceled {
			t.Errorf("server error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("server never shut down")
	}
}

func waitForServer(t *testing.T, url string, attempts int) {
	t.Helper()
	for i := 0; i < attempts; i++ {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server at %s never came up", url)
}
