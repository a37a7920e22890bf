package http

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"touchline/internal/api"
	"touchline/internal/auth"
	"touchline/internal/storage"

	"github.com/gin-gonic/gin"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewAdminServer serves account management. Keep addr on a loopback interface.
func NewAdminServer(authService *auth.AuthService, store *storage.BboltStorage, addr string) *AdminServer {
	adminHandler := api.NewAdminHandler(authService, store)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	adminHandler.RegisterRoutes(router)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *AdminServer) Start() error {
	log.Printf("Admin API started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
