package http

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"touchline/internal/api"
	"touchline/internal/auth"
	"touchline/internal/filestore"
	"touchline/internal/storage"
	"touchline/internal/ws"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

type APIServerConfig struct {
	Addr string
	// CORSOrigins lists the browser origins allowed to call the API and open
	// the socket. Empty allows every origin.
	CORSOrigins []string
}

type APIServer struct {
	server   *http.Server
	wsServer *ws.Server
	wg       sync.WaitGroup
}

func NewAPIServer(authService *auth.AuthService, hub *ws.Hub, files filestore.FileStore, store *storage.BboltStorage, cfg APIServerConfig) *APIServer {
	wsServer := ws.NewServer(authService, hub, cfg.CORSOrigins)
	apiHandlers := api.New(authService, hub, store, files)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(corsConfig(cfg.CORSOrigins)))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	apiHandlers.RegisterRoutes(router)

	// WebSocket endpoint
	router.GET("/ws", gin.WrapF(wsServer.HandleConnections))

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		wsServer: wsServer,
	}
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

// Handler exposes the router, mostly for tests.
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes every open socket.
func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	err := s.server.Shutdown(ctx)
	s.wsServer.Shutdown()
	return err
}
