// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/jcodagnone/whereami/classify"
	"github.com/jcodagnone/whereami/classify/tflite"
	"github.com/jcodagnone/whereami/config"
	"github.com/jcodagnone/whereami/detect"
	"github.com/jcodagnone/whereami/geocode"
	"github.com/jcodagnone/whereami/registry"
	"github.com/jcodagnone/whereami/store"
	"github.com/jcodagnone/whereami/utils/httputils"
)

// app holds the collaborators shared by the commands.
type app struct {
	cfg      *config.Config
	db       *sql.DB
	repo     *store.Repository // nil without a store
	resolver geocode.Resolver
	loader   classify.Loader

	modelMu sync.Mutex
	model   *tflite.Classifier
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	a.loader = classify.Once(a.loadModel)

	if cfg.Store.Path != "" {
		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}

		repo := store.NewRepository(db)
		if err := repo.CreateSchema(); err != nil {
			db.Close()

			return nil, fmt.Errorf("creating schema: %w", err)
		}

		a.db = db
		a.repo = repo
	}

	resolver, err := a.newResolver(ctx)
	if err != nil {
		a.Close()

		return nil, err
	}

	a.resolver = resolver

	return a, nil
}

func (a *app) httpClient() *http.Client {
	return httputils.NewClient(httputils.ClientOptions{
		UserAgent:         a.cfg.Geocode.UserAgent,
		RequestsPerSecond: a.cfg.Geocode.RequestsPerSecond,
		Timeout:           a.cfg.Timeout(),
		EnableHTTPTrace:   a.cfg.HTTPTrace,
	})
}

// newResolver builds the configured provider behind the geocoding cache. The
// cache lives in the store when there is one, in memory otherwise.
func (a *app) newResolver(ctx context.Context) (geocode.Resolver, error) {
	lang, err := a.cfg.Language()
	if err != nil {
		return nil, err
	}

	var provider geocode.Resolver

	switch a.cfg.Geocode.Provider {
	case config.ProviderGoogle:
		apiKey, err := geocode.GoogleAPIKey(ctx, a.cfg.Geocode.GoogleAPIKey, a.cfg.Geocode.GoogleProject, a.cfg.Geocode.KeyDisplayName)
		if err != nil {
			return nil, err
		}

		provider = geocode.NewGoogleReverser(apiKey, lang, a.httpClient())
	default:
		provider = geocode.NewNominatimReverser(a.cfg.Geocode.NominatimURL, lang, a.httpClient())
	}

	var cache geocode.CacheStore = geocode.NewMemoryCache()
	if a.repo != nil {
		cache = a.repo
	}

	return geocode.NewCachingResolver(provider, cache, a.cfg.Geocode.CacheResolution), nil
}

// loadModel builds the interpreter. Wrapped in classify.Once, it runs until
// it succeeds and the interpreter is shared afterwards.
func (a *app) loadModel() (classify.Classifier, error) {
	model, err := tflite.New(tflite.Options{
		ModelPath:  a.cfg.Model.Path,
		LabelsPath: a.cfg.Model.LabelsPath,
		Threads:    a.cfg.Model.Threads,
	})
	if err != nil {
		return nil, err
	}

	a.modelMu.Lock()
	a.model = model
	a.modelMu.Unlock()

	return model, nil
}

func (a *app) coordinator(reg *registry.Registry, opts detect.Options) *detect.Coordinator {
	opts.TopN = a.cfg.Detect.TopN
	opts.Concurrency = a.cfg.Detect.Concurrency

	return detect.New(reg, registry.FileLoader{}, a.loader, a.resolver, opts)
}

// record saves every label published to reg until the returned function is
// called. The function waits for pending labels and returns how many were
// saved. Without a store it does nothing.
func (a *app) record(ctx context.Context, reg *registry.Registry) func() int {
	if a.repo == nil {
		return func() int { return 0 }
	}

	recorder := store.NewRecorder(a.repo, reg)
	saved := make(chan int, 1)

	go func() {
		saved <- recorder.Run(ctx)
	}()

	return func() int {
		recorder.Close()
		n := <-saved
		log.Printf("💾 %d detections recorded in session %s", n, recorder.SessionID())

		return n
	}
}

func (a *app) Close() {
	a.modelMu.Lock()
	if a.model != nil {
		a.model.Close()
		a.model = nil
	}
	a.modelMu.Unlock()

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Printf("⚠️ Closing database: %v", err)
		}
	}
}
