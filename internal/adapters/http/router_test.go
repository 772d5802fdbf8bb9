package http

import (
	"bytes"
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/adapters/identity"
	"github.com/dkeye/Mesh/internal/adapters/store/memory"
	"github.com/dkeye/Mesh/internal/adapters/store/remote"
	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/app/mailbox"
	"github.com/dkeye/Mesh/internal/app/room"
	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/core/coretest"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret-with-enough-bytes-000"

type fixture struct {
	router   *gin.Engine
	store    *memory.Store
	verifier *identity.Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{store: memory.New(), verifier: identity.NewVerifier(secret)}
	cfg := &config.Config{Mode: "test", Secret: secret}
	f.router = SetupRouter(ctx, cfg, Deps{
		Store:    f.store,
		Registry: app.NewRegistry(),
		Verifier: f.verifier,
		Now:      func() time.Time { return time.UnixMilli(5000) },
	})
	return f
}

func (f *fixture) token(t *testing.T, id, name string) string {
	t.Helper()
	tok, err := f.verifier.Issue(domain.MemberID(id), name, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(method, path, token string, body any, cookies ...*nethttp.Cookie) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do("GET", "/healthz", "", nil)
	assert.Equal(t, nethttp.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestCORSAllowsListedOrigins(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Mode: "test", Secret: secret}
	cfg.CORS.AllowOrigins = []string{"https://meet.example"}
	r := SetupRouter(context.Background(), cfg, Deps{Store: memory.New(), Registry: app.NewRegistry()})

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("Origin", "https://meet.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, nethttp.StatusOK, w.Code)
	assert.Equal(t, "https://meet.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, nethttp.StatusForbidden, w.Code)
}

func TestCORSWildcardDropsCredentials(t *testing.T) {
	c := corsConfig([]string{"*"})
	assert.True(t, c.AllowAllOrigins)
	assert.False(t, c.AllowCredentials)
	assert.Empty(t, c.AllowOrigins)

	c = corsConfig(nil)
	assert.True(t, c.AllowAllOrigins)
}

func TestRoomsRequireAuth(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, nethttp.StatusUnauthorized, f.do("POST", "/api/rooms", "", CreateRoomRequest{Title: "x"}).Code)
	assert.Equal(t, nethttp.StatusUnauthorized, f.do("POST", "/api/rooms", "garbage", CreateRoomRequest{Title: "x"}).Code)
}

func TestCreateAndGetRoom(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "alice", "Alice")

	w := f.do("POST", "/api/rooms", tok, CreateRoomRequest{Title: "Weekly"})
	require.Equal(t, nethttp.StatusCreated, w.Code)
	var created RoomResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, domain.MemberID("alice"), created.OwnerID)

	mb := mailbox.New(f.store, created.ID)
	require.NoError(t, mb.PutMember(context.Background(), domain.Member{ID: "alice", DisplayName: "Alice", JoinedAt: time.UnixMilli(1)}))

	w = f.do("GET", "/api/rooms/"+string(created.ID), tok, nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	var got RoomResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "Weekly", got.Title)
	assert.Equal(t, 1, got.Members)

	assert.Equal(t, nethttp.StatusNotFound, f.do("GET", "/api/rooms/missing", tok, nil).Code)
	assert.Equal(t, nethttp.StatusBadRequest, f.do("POST", "/api/rooms", tok, map[string]string{}).Code)
}

func TestSessionCookieRemembersMember(t *testing.T) {
	f := newFixture(t)
	w := f.do("GET", "/api/me", f.token(t, "alice", "Alice"), nil)
	require.Equal(t, nethttp.StatusOK, w.Code)

	var session *nethttp.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "MeshSessions" {
			session = c
		}
	}
	require.NotNil(t, session)

	w = f.do("GET", "/api/me", "", nil, session)
	require.Equal(t, nethttp.StatusOK, w.Code)
	var who domain.Identity
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &who))
	assert.Equal(t, domain.Identity{ID: "alice", Name: "Alice"}, who)
}

func TestQueryTokenAccepted(t *testing.T) {
	f := newFixture(t)
	w := f.do("GET", "/api/me?token="+f.token(t, "bob", ""), "", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), domain.AnonymousName)
}

type navigator struct{ targets chan string }

func (n navigator) Navigate(target string) { n.targets <- target }

// Two members meet through the relay: every signaling write goes through the
// ownership rules and every read through pushed watches.
func TestMeshOverRelay(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/store"

	roomID, err := mailbox.CreateRoom(context.Background(), f.store, domain.RoomRecord{Title: "Relay", OwnerID: "a"})
	require.NoError(t, err)

	join := func(id string, joined int64) (*room.Coordinator, navigator) {
		client, err := remote.Dial(context.Background(), url, f.token(t, id, "Member "+id))
		require.NoError(t, err)
		t.Cleanup(client.Close)
		who := domain.Identity{ID: domain.MemberID(id), Name: "Member " + id}
		nav := navigator{targets: make(chan string, 4)}
		c := room.New(room.Config{
			Room:      roomID,
			Identity:  &who,
			Store:     client,
			Devices:   &coretest.Devices{},
			Factory:   coretest.NewFactory(domain.MemberID(id)),
			Navigator: nav,
			Now:       func() time.Time { return time.UnixMilli(joined) },
		})
		require.NoError(t, c.Join(context.Background()))
		return c, nav
	}

	a, _ := join("a", 1000)
	b, navB := join("b", 2000)

	for _, c := range []*room.Coordinator{a, b} {
		require.Eventually(t, func() bool {
			s := c.Mesh().RemoteStreams()
			return len(s) == 1 && len(s[0].Tracks) == 2
		}, 5*time.Second, 10*time.Millisecond)
	}

	b.Leave()
	assert.Equal(t, room.DashboardPath, <-navB.targets)
	require.Eventually(t, func() bool { return len(a.Mesh().Peers()) == 0 }, 5*time.Second, 10*time.Millisecond)

	docs, err := f.store.List(context.Background(), core.Query{Collection: mailbox.Layout{Room: roomID}.Members()})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0].ID)
	a.Leave()
}
