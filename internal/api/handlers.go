package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"palaver/internal/auth"
	"palaver/internal/content"
	"palaver/internal/feed"
	"palaver/internal/filestore"
	"palaver/internal/models"
	"palaver/internal/notify"
	"palaver/internal/presence"
	"palaver/internal/storage"

	"github.com/go-chi/chi/v5"
)

type contextKey string

const claimsKey contextKey = "claims"

type API struct {
	auth     *auth.AuthService
	store    *storage.BboltStorage
	objects  filestore.ObjectStore
	uploader *feed.Uploader
	tracker  *presence.Tracker
	notifier *notify.Notifier
}

func New(
	authService *auth.AuthService,
	store *storage.BboltStorage,
	objects filestore.ObjectStore,
	uploader *feed.Uploader,
	tracker *presence.Tracker,
	notifier *notify.Notifier,
) *API {
	return &API{
		auth:     authService,
		store:    store,
		objects:  objects,
		uploader: uploader,
		tracker:  tracker,
		notifier: notifier,
	}
}

func (a *API) sessionFeed(userID string) (*feed.Feed, error) {
	return feed.New(feed.Config{Store: a.store, UserID: userID})
}

func getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// RequireAuth verifies the session token and stores the claims in the
// request context. Missing or revoked sessions get 401; browser clients
// react by redirecting to the login flow.
func (a *API) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.auth.Verify(getToken(r))
		if err != nil {
			writeError(w, models.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func claimsFrom(r *http.Request) auth.Claims {
	claims, _ := r.Context().Value(claimsKey).(auth.Claims)
	return claims
}

// RequireSameOrigin rejects state-changing requests whose Origin does not
// match the Host, a cheap CSRF guard for the cookie token.
func RequireSameOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = r.Header.Get("Referer")
		}
		if origin != "" {
			parsed, err := url.Parse(origin)
			if err != nil || parsed.Host != r.Host {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrUsernameTaken), errors.Is(err, storage.ErrFriendshipExists):
		status = http.StatusConflict
	case errors.Is(err, models.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, models.ErrUploadFailed):
		status = http.StatusBadGateway
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(errorResponse{Message: err.Error()}); encodeErr != nil {
		slog.Error("failed to encode error response", "error", encodeErr)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", models.ErrValidation))
		return
	}

	profile, err := a.auth.Register(req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, profile)
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	// Support both JSON and form bodies.
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("%w: invalid request body", models.ErrValidation))
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, fmt.Errorf("%w: failed to parse form", models.ErrValidation))
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	resp, err := a.auth.Login(req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    resp.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(resp.TokenExpiry, 0),
	})
	writeJSON(w, resp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := getToken(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

func (a *API) ProfileHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	profile, err := a.store.GetProfile(claims.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	profile.Presence.Online = a.tracker.Online(profile.ID)
	writeJSON(w, profile)
}

func (a *API) UpdateProfileHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req struct {
		Username  string `json:"username"`
		Theme     string `json:"theme"`
		AvatarURL string `json:"avatarUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", models.ErrValidation))
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if err := content.ValidateUsername(req.Username); err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrValidation, err))
		return
	}
	if !models.ValidTheme(req.Theme) {
		writeError(w, fmt.Errorf("%w: unknown theme %q", models.ErrValidation, req.Theme))
		return
	}

	profile, err := a.store.GetProfile(claims.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	profile.Username = req.Username
	profile.Theme = req.Theme
	profile.AvatarURL = req.AvatarURL

	if err := a.store.UpdateProfile(profile); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, profile)
}

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	profiles, err := a.store.ListProfiles()
	if err != nil {
		writeError(w, err)
		return
	}
	for i := range profiles {
		profiles[i].Presence.Online = a.tracker.Online(profiles[i].ID)
	}
	writeJSON(w, profiles)
}

// FriendView pairs a friendship with the counterpart's profile summary.
type FriendView struct {
	models.Friendship
	Friend models.ProfileSummary `json:"friend"`
	Online bool                  `json:"online"`
}

func (a *API) FriendsHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	friendships, err := a.store.ListFriendships(claims.Subject)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]FriendView, 0, len(friendships))
	for _, f := range friendships {
		otherID := f.Other(claims.Subject)
		other, err := a.store.GetProfile(otherID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			writeError(w, err)
			return
		}
		views = append(views, FriendView{
			Friendship: f,
			Friend:     other.Summary(),
			Online:     a.tracker.Online(otherID),
		})
	}
	writeJSON(w, views)
}

func (a *API) AddFriendHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", models.ErrValidation))
		return
	}

	target, err := a.store.GetProfileByUsername(strings.TrimSpace(req.Username))
	if err != nil {
		writeError(w, err)
		return
	}

	friendship, err := a.store.CreateFriendRequest(claims.Subject, target.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, friendship)
}

func (a *API) AcceptFriendHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", models.ErrValidation))
		return
	}

	if err := a.store.AcceptFriendRequest(req.ID, claims.Subject); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// MessageView carries the raw message plus its rendered HTML body.
type MessageView struct {
	models.Message
	HTML string `json:"html,omitempty"`
}

func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	fd, err := a.sessionFeed(claims.Subject)
	if err != nil {
		writeError(w, err)
		return
	}

	history, err := fd.History(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]MessageView, 0, len(history))
	for _, msg := range history {
		view := MessageView{Message: msg}
		if !msg.IsImage {
			html, err := content.RenderMarkdown(msg.Content)
			if err != nil {
				slog.Warn("failed to render message", "message_id", msg.ID, "error", err)
			} else {
				view.HTML = html
			}
		}
		views = append(views, view)
	}
	writeJSON(w, views)
}

func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req struct {
		Content string `json:"content"`
		IsImage bool   `json:"isImage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", models.ErrValidation))
		return
	}

	fd, err := a.sessionFeed(claims.Subject)
	if err != nil {
		writeError(w, err)
		return
	}

	msg, err := fd.Send(r.Context(), req.Content, req.IsImage)
	if err != nil {
		writeError(w, err)
		return
	}

	if a.notifier.Enabled() {
		go a.notifier.MessageSent(msg, claims.Username)
	}
	writeJSON(w, msg)
}

type uploadResponse struct {
	URL string `json:"url"`
}

func (a *API) UploadImageHandler(w http.ResponseWriter, r *http.Request) {
	a.handleUpload(w, r, feed.BucketMessageImages, false)
}

// UploadAvatarHandler stores the image and points the profile at it.
func (a *API) UploadAvatarHandler(w http.ResponseWriter, r *http.Request) {
	a.handleUpload(w, r, feed.BucketAvatars, true)
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request, bucket string, setAvatar bool) {
	claims := claimsFrom(r)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: missing file field", models.ErrValidation))
		return
	}
	defer func() { _ = file.Close() }()

	publicURL, err := a.uploader.Upload(claims.Subject, bucket, header.Filename, file)
	if err != nil {
		// Upload failures are logged and abort any follow-up send;
		// the client only sees that no URL came back.
		slog.Error("upload failed", "user_id", claims.Subject, "bucket", bucket, "error", err)
		writeError(w, err)
		return
	}

	if setAvatar {
		profile, err := a.store.GetProfile(claims.Subject)
		if err != nil {
			writeError(w, err)
			return
		}
		profile.AvatarURL = publicURL
		if err := a.store.UpdateProfile(profile); err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, uploadResponse{URL: publicURL})
}

// GetImageHandler serves stored objects publicly (no auth), mirroring a
// public storage bucket.
func (a *API) GetImageHandler(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	meta, err := a.store.GetFileMetadata(id)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	obj, err := a.objects.Get(meta.Bucket, strings.TrimPrefix(meta.ID, meta.Bucket+"/"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer func() { _ = obj.Close() }()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, obj); err != nil {
		slog.Warn("failed to stream object", "id", id, "error", err)
	}
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<10))
	if err != nil {
		writeError(w, fmt.Errorf("%w: failed to read body", models.ErrValidation))
		return
	}

	var sub struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.Unmarshal(body, &sub); err != nil || sub.Endpoint == "" {
		writeError(w, fmt.Errorf("%w: invalid push subscription", models.ErrValidation))
		return
	}

	if err := a.store.UpsertPushSubscription(claims.Subject, sub.Endpoint, string(body)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
