// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the image registry over HTTP: the list of images,
// their labels, detection triggers and a server-sent event stream of label
// changes.
package server

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jcodagnone/whereami/detect"
	"github.com/jcodagnone/whereami/registry"
	"github.com/jcodagnone/whereami/store"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Images is the observable image collection.
type Images interface {
	Snapshot() []registry.ImageRecord
	Get(id string) (registry.ImageRecord, bool)
	Subscribe(buffer int) (<-chan registry.Change, func())
}

// Detector starts detection runs without waiting for them.
type Detector interface {
	StartDetection(ctx context.Context) (<-chan detect.Summary, bool)
	StartImage(ctx context.Context, id string) (<-chan detect.ImageResult, bool)
}

// History lists stored detections.
type History interface {
	ListDetections(ctx context.Context, name string, limit int) ([]*store.Detection, error)
}

// Server serves the image registry over HTTP.
type Server struct {
	images   Images
	detector Detector
	history  History
}

// NewServer creates a server. history may be nil when no store is configured.
func NewServer(images Images, detector Detector, history History) *Server {
	return &Server{images: images, detector: detector, history: history}
}

// Router returns the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.Default()
	r.SetHTMLTemplate(template.Must(template.New("").ParseFS(templatesFS, "templates/*.html")))

	r.GET("/", s.indexView)
	r.GET("/api/images", s.listImages)
	r.GET("/api/images/:id", s.getImage)
	r.GET("/api/images/:id/source", s.imageSource)
	r.POST("/api/images/:id/detect", s.detectImage)
	r.POST("/api/detect", s.detectAll)
	r.GET("/api/events", s.events)
	r.GET("/api/history", s.listHistory)

	return r
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end with ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("⚠️ Server shutdown: %v", err)
		}
	}()

	log.Printf("🌍 Listening on http://%s", addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *Server) indexView(ctx *gin.Context) {
	ctx.HTML(http.StatusOK, "index.html", gin.H{
		"Images": s.images.Snapshot(),
	})
}

func (s *Server) listImages(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"images": s.images.Snapshot()})
}

func (s *Server) getImage(ctx *gin.Context) {
	rec, ok := s.images.Get(ctx.Param("id"))
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "image not found"})

		return
	}

	ctx.JSON(http.StatusOK, rec)
}

func (s *Server) imageSource(ctx *gin.Context) {
	rec, ok := s.images.Get(ctx.Param("id"))
	if !ok || !registry.IsImage(rec.SourceRef) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "image not found"})

		return
	}

	ctx.File(rec.SourceRef)
}

func (s *Server) detectAll(ctx *gin.Context) {
	// The run outlives the request.
	if _, ok := s.detector.StartDetection(context.WithoutCancel(ctx.Request.Context())); !ok {
		ctx.JSON(http.StatusConflict, gin.H{"error": "detection already running"})

		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *Server) detectImage(ctx *gin.Context) {
	id := ctx.Param("id")
	if _, ok := s.images.Get(id); !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "image not found"})

		return
	}

	if _, ok := s.detector.StartImage(context.WithoutCancel(ctx.Request.Context()), id); !ok {
		ctx.JSON(http.StatusConflict, gin.H{"error": "image detection already running"})

		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{"status": "started", "id": id})
}

// events streams a snapshot event followed by one label event per change.
func (s *Server) events(ctx *gin.Context) {
	changes, unsubscribe := s.images.Subscribe(16)
	defer unsubscribe()

	ctx.Header("Cache-Control", "no-cache")
	ctx.Header("Connection", "keep-alive")

	ctx.SSEvent("snapshot", s.images.Snapshot())
	ctx.Writer.Flush()

	done := ctx.Request.Context().Done()

	for {
		select {
		case <-done:
			return
		case change, ok := <-changes:
			if !ok {
				return
			}

			ctx.SSEvent("label", change)
			ctx.Writer.Flush()
		}
	}
}

func (s *Server) listHistory(ctx *gin.Context) {
	if s.history == nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "history is not enabled"})

		return
	}

	limit := 50

	if v := ctx.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit parameter"})

			return
		}

		limit = n
	}

	detections, err := s.history.ListDetections(ctx.Request.Context(), ctx.Query("image"), limit)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})

		return
	}

	if detections == nil {
		detections = []*store.Detection{}
	}

	ctx.JSON(http.StatusOK, gin.H{"detections": detections})
}
