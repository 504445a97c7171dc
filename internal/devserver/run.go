package devserver

import (
	"context"
	"fmt"
	"log"
	"net/http"
)

// Run serves the dev server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("devserver: listening on %s (token %s)", addr, s.Token())

	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
