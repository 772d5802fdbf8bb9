package http

import (
	"context"
	"slices"
	"time"

	"github.com/dkeye/Mesh/internal/adapters/identity"
	"github.com/dkeye/Mesh/internal/adapters/signal"
	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Deps are the collaborators the relay router serves.
type Deps struct {
	Store    core.DocumentStore
	Registry *app.Registry
	Policy   app.Policy
	Verifier *identity.Verifier
	Now      func() time.Time
}

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// corsConfig allows credentials only for listed origins; browsers refuse
// credentialed responses to a wildcard.
func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		c.AllowAllOrigins = true
		return c
	}
	c.AllowOrigins = origins
	c.AllowCredentials = true
	return c
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Policy == nil {
		deps.Policy = app.SimplePolicy{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(cors.New(corsConfig(cfg.CORS.AllowOrigins)))

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("MeshSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "connections": deps.Registry.Count()})
	})

	ctrl := &signal.StoreWSController{
		Store:      deps.Store,
		Registry:   deps.Registry,
		Policy:     deps.Policy,
		Limiter:    signal.NewRoomRateLimiter(cfg.Rate.Limit, cfg.Rate.Interval),
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	}
	rooms := &RoomHandler{Store: deps.Store, Now: deps.Now}

	api := r.Group("/api", AuthMiddleware(deps.Verifier))

	api.GET("/ws/store", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws store endpoint hit")
		ctrl.HandleStore(ctx, c)
	})
	api.GET("/me", func(c *gin.Context) {
		c.JSON(200, currentIdentity(c))
	})
	api.POST("/rooms", rooms.Create)
	api.GET("/rooms/:id", rooms.Get)

	return r
}
