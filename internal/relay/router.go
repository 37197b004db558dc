package relay

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/signlink/signlink/internal/config"
)

// ClientTokenMiddleware tags every connection with a stable client token so
// reconnects are correlatable in the logs.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, ctl *Controller) *gin.Engine {
	if cfg.Relay.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Relay.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Relay.Secret))
	r.Use(sessions.Sessions("SignlinkSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "relay").Str("token", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(c)
	})

	return r
}
