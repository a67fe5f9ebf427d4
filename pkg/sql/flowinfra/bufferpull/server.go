// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package bufferpull

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/stratumdb/stratum/pkg/sql/flowinfra/outputbuf"
	"github.com/stratumdb/stratum/pkg/util/humanizeutil"
	"github.com/stratumdb/stratum/pkg/util/log"
)

const (
	pageTokenHeader      = "X-Stratum-Page-Token"
	pageNextTokenHeader  = "X-Stratum-Page-Next-Token"
	bufferCompleteHeader = "X-Stratum-Buffer-Complete"
	maxSizeHeader        = "X-Stratum-Max-Size"

	pagesContentType = "application/x-stratum-pages"

	defaultWaitBudget = 2 * time.Second
	defaultMaxSize    = 16 << 20
)

// ServerConfig tunes the pull server. Zero values select defaults.
type ServerConfig struct {
	// WaitBudget bounds how long a results request blocks server-side waiting
	// for pages before answering empty.
	WaitBudget time.Duration
	// DefaultMaxSize is the response byte bound applied when the request
	// carries no X-Stratum-Max-Size header.
	DefaultMaxSize int64
}

// Server serves the output buffers of registered tasks over HTTP.
type Server struct {
	registry *Registry
	cfg      ServerConfig
	mux      *mux.Router
}

// NewServer builds a pull server over registry.
func NewServer(registry *Registry, cfg ServerConfig) *Server {
	if cfg.WaitBudget == 0 {
		cfg.WaitBudget = defaultWaitBudget
	}
	if cfg.DefaultMaxSize == 0 {
		cfg.DefaultMaxSize = defaultMaxSize
	}
	s := &Server{registry: registry, cfg: cfg, mux: mux.NewRouter()}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/v1/task/{taskID}/results/{bufferID}/{token}", s.getResults).
		Methods(http.MethodGet)
	s.mux.HandleFunc("/v1/task/{taskID}/results/{bufferID}", s.abortBuffer).
		Methods(http.MethodDelete)
	s.mux.HandleFunc("/v1/task/{taskID}/results", s.taskInfo).
		Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) lookupTask(w http.ResponseWriter, r *http.Request) (*outputbuf.SharedBuffer, bool) {
	taskID := outputbuf.TaskID(mux.Vars(r)["taskID"])
	sb, ok := s.registry.Lookup(taskID)
	if !ok {
		http.Error(w, "unknown task", http.StatusNotFound)
		return nil, false
	}
	return sb, true
}

func (s *Server) getResults(w http.ResponseWriter, r *http.Request) {
	sb, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	token, err := strconv.ParseInt(vars["token"], 10, 64)
	if err != nil || token < 0 {
		http.Error(w, "invalid token", http.StatusBadRequest)
		return
	}

	maxBytes := s.cfg.DefaultMaxSize
	if h := r.Header.Get(maxSizeHeader); h != "" {
		maxBytes, err = humanizeutil.ParseBytes(h)
		if err != nil || maxBytes < 1 {
			http.Error(w, "invalid max size", http.StatusBadRequest)
			return
		}
	}

	resultFuture, err := sb.Get(vars["bufferID"], token, maxBytes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.WaitBudget)
	defer cancel()
	result, err := resultFuture.Wait(ctx)
	if err != nil {
		// The wait budget expired before any pages arrived. An empty open
		// result tells the consumer to retry with the same token.
		result = outputbuf.BufferResult{Token: token, NextToken: token}
	}

	w.Header().Set("Content-Type", pagesContentType)
	w.Header().Set(pageTokenHeader, strconv.FormatInt(result.Token, 10))
	w.Header().Set(pageNextTokenHeader, strconv.FormatInt(result.NextToken, 10))
	w.Header().Set(bufferCompleteHeader, strconv.FormatBool(result.BufferClosed))
	for _, page := range result.Pages {
		bp, ok := page.(*BytesPage)
		if !ok {
			http.Error(w, "unsupported page type", http.StatusInternalServerError)
			return
		}
		if err := WritePage(w, bp); err != nil {
			// The consumer went away mid-response. It will re-request from its
			// last acknowledged token.
			if log.V(1) {
				log.Warningf(r.Context(), "aborted results response for task %s: %v",
					sb.TaskID(), err)
			}
			return
		}
	}
}

func (s *Server) abortBuffer(w http.ResponseWriter, r *http.Request) {
	sb, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	sb.Abort(mux.Vars(r)["bufferID"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) taskInfo(w http.ResponseWriter, r *http.Request) {
	sb, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, sb.Info())
}

func writeJSONResponse(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	res, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	if _, err := w.Write(res); err != nil {
		panic(err)
	}
}
