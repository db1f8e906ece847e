package proxy

import (
	"context"
	"fmt"
	"net/http"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/strategy-cache-proxy/internal/classify"
	"github.com/iTrooz/strategy-cache-proxy/internal/store"
)

// route serves one request category
type route struct {
	strategy string
	serve    func(ctx context.Context, req *http.Request) (*http.Response, error)
}

func (s *Server) routeTable() map[classify.Category]route {
	names := s.generation.Names()
	return map[classify.Category]route{
		classify.StaticAsset: {"cache-first", func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return s.engine.CacheFirst(ctx, req, names.Static, 0)
		}},
		classify.Image: {"cache-first", func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return s.engine.CacheFirst(ctx, req, names.Images, s.config.Limits.Images)
		}},
		classify.Page: {"network-first", func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return s.engine.NetworkFirst(ctx, req)
		}},
		classify.Other: {"stale-while-revalidate", func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return s.engine.StaleWhileRevalidate(ctx, req, names.Dynamic, s.config.Limits.Dynamic)
		}},
	}
}

// intercept is the goproxy request hook: returning a nil response lets the request through
func (s *Server) intercept(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	if !s.generation.Active() {
		logrus.Debugf("Generation not active yet, passing through %s %s", req.Method, req.URL)
		return req, nil
	}

	category := s.classifier.Classify(req.Method, req.URL, req.Header.Get("Accept"))
	if category == classify.Excluded {
		logrus.Debugf("Excluded, passing through %s %s", req.Method, req.URL)
		return req, nil
	}

	resp, err := s.dispatch(req, category)
	if err != nil {
		logrus.Warnf("Failed to serve %s: %v", store.Key(req), err)
		return req, goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusBadGateway, err.Error())
	}
	return req, resp
}

// dispatch runs the strategy bound to category. Only routed categories may reach it.
func (s *Server) dispatch(req *http.Request, category classify.Category) (*http.Response, error) {
	r, ok := s.routes[category]
	if !ok {
		panic(fmt.Sprintf("no strategy for category %s", category))
	}
	logrus.Debugf("%s %s: %s via %s", req.Method, req.URL, category, r.strategy)
	return r.serve(req.Context(), req)
}
