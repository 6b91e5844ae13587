package worker

import (
	"net/http"

	"github.com/driftlab/husk/pkg/utils"
	"github.com/labstack/echo/v4"
)

// Read-only introspection endpoint. Not part of the cluster wire
// contract; serves operators and tests.
func NewHttpHandler(w *Worker, r *echo.Echo) {
	r.Use(utils.HttpLogger)

	r.GET("/status", func(c echo.Context) error {
		w.mu.Lock()
		status := map[string]any{
			"address":     w.addr,
			"ncores":      w.ncores,
			"executing":   len(w.executing),
			"ready":       w.ready.Len(),
			"constrained": w.constrained.Len(),
			"in_flight":   len(w.inFlightTasks),
			"in_memory":   len(w.data),
			"executed":    w.executedCount,
		}
		w.mu.Unlock()

		return c.JSON(http.StatusOK, status)
	})

	r.GET("/keys", func(c echo.Context) error {
		w.mu.Lock()
		keys := w.localKeys()
		w.mu.Unlock()

		return c.JSON(http.StatusOK, keys)
	})

	r.GET("/tasks", func(c echo.Context) error {
		w.mu.Lock()
		tasks := make(map[string]string, len(w.tasks))
		for key, t := range w.tasks {
			tasks[key] = t.State.String()
		}
		w.mu.Unlock()

		return c.JSON(http.StatusOK, tasks)
	})
}

// Serves the debug endpoint until the worker stops. No-op when the
// endpoint is not configured.
func (w *Worker) serveHttp() error {
	if w.config.HttpListen == "" {
		return nil
	}

	r := echo.New()
	r.HideBanner = true
	NewHttpHandler(w, r)

	go func() {
		<-w.ctx.Done()
		r.Close()
	}()

	if err := r.Start(w.config.HttpListen); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
